package redis

import "testing"

func TestEscapeGlob(t *testing.T) {
	for in, want := range map[string]string{
		"cart-u1:":     "cart-u1:",
		"cart-a*b:":    `cart-a\*b:`,
		"cart-[x]?:":   `cart-\[x\]\?:`,
		`cart-back\s:`: `cart-back\\s:`,
	} {
		if got := escapeGlob(in); got != want {
			t.Fatalf("escapeGlob(%q)=%q want %q", in, got, want)
		}
	}
}

func TestName(t *testing.T) {
	tr := &Transport{prefix: "app:"}
	if got := tr.name("orders-u1", "rescheduled"); got != "app:orders-u1:rescheduled" {
		t.Fatalf("name=%q", got)
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err != ErrNilClient {
		t.Fatalf("err=%v want ErrNilClient", err)
	}
}
