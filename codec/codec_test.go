package codec

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

type line struct {
	ProductID string    `json:"product_id" msgpack:"product_id" cbor:"product_id"`
	Quantity  int       `json:"quantity" msgpack:"quantity" cbor:"quantity"`
	At        time.Time `json:"at" msgpack:"at" cbor:"at"`
}

func TestValueCodecs(t *testing.T) {
	in := line{ProductID: "p1", Quantity: 3, At: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	codecs := map[string]Codec[line]{
		"json":    JSON[line]{},
		"msgpack": Msgpack[line]{},
		"cbor":    MustCBOR[line](true),
	}
	for name, c := range codecs {
		b, err := c.Encode(in)
		if err != nil {
			t.Fatalf("%s encode: %v", name, err)
		}
		out, err := c.Decode(b)
		if err != nil {
			t.Fatalf("%s decode: %v", name, err)
		}
		if out.ProductID != in.ProductID || out.Quantity != in.Quantity || !out.At.Equal(in.At) {
			t.Fatalf("%s: got %+v want %+v", name, out, in)
		}
	}
}

func TestCBORDeterministicMaps(t *testing.T) {
	c := MustCBOR[map[string]int](true)
	a, err := c.Encode(map[string]int{"a": 1, "b": 2, "c": 3})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		b, err := c.Encode(map[string]int{"c": 3, "b": 2, "a": 1})
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(a, b) {
			t.Fatalf("deterministic CBOR produced different bytes")
		}
	}
}

func TestProtobufCodec(t *testing.T) {
	c := NewProtobuf(func() *structpb.Struct { return new(structpb.Struct) })
	in, err := structpb.NewStruct(map[string]any{"status": "ready", "count": 2.0})
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := c.Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := out.GetFields()["status"].GetStringValue(); got != "ready" {
		t.Fatalf("status=%q want ready", got)
	}
}

func TestLimitRejectsOversized(t *testing.T) {
	c := Limit[string]{Inner: String{}, MaxDecode: 4}
	if _, err := c.Decode([]byte("12345")); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("expected too large error, got %v", err)
	}
	if s, err := c.Decode([]byte("1234")); err != nil || s != "1234" {
		t.Fatalf("Decode=%q,%v", s, err)
	}
}

func TestBytesCopies(t *testing.T) {
	src := []byte("abc")
	enc, _ := Bytes{}.Encode(src)
	src[0] = 'x'
	if string(enc) != "abc" {
		t.Fatalf("Encode aliased its input: %q", enc)
	}
	dec, _ := Bytes{}.Decode(enc)
	dec[0] = 'y'
	if string(enc) != "abc" {
		t.Fatalf("Decode aliased stored bytes: %q", enc)
	}
}
