package logrus

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/unkn0wn-root/mutacache"
)

func TestWithCarriesFields(t *testing.T) {
	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	log := New(l).With(mutacache.Fields{"component": "store"})

	log.Warn("entry dropped", mutacache.Fields{"reason": "corrupt"})
	e := hook.LastEntry()
	if e == nil || e.Level != logrus.WarnLevel || e.Message != "entry dropped" {
		t.Fatalf("entry=%+v", e)
	}
	if e.Data["component"] != "store" || e.Data["reason"] != "corrupt" {
		t.Fatalf("data=%v", e.Data)
	}

	log.Debug("quiet", nil)
	if len(hook.AllEntries()) != 2 {
		t.Fatalf("entries=%d", len(hook.AllEntries()))
	}
}
