package keys

import (
	"testing"
	"time"
)

func TestCompromiseRotatesAndNotifies(t *testing.T) {
	p, err := NewStatic()
	if err != nil {
		t.Fatal(err)
	}
	first, err := p.Current()
	if err != nil {
		t.Fatal(err)
	}

	var got Compromise
	p.Subscribe(func(c Compromise) { got = c })

	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	if err := p.MarkCompromised(first.ID, at); err != nil {
		t.Fatal(err)
	}
	if got.KeyID != first.ID || !got.At.Equal(at) {
		t.Fatalf("unexpected notification: %+v", got)
	}

	second, err := p.Current()
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID {
		t.Fatal("compromised key is still active")
	}

	// The retired key stays resolvable so old signatures still verify.
	if _, ok := p.Public(first.ID); !ok {
		t.Fatal("retired key lost")
	}
	if _, ok := p.Public(second.ID); !ok {
		t.Fatal("active key not resolvable")
	}
	if _, ok := p.Public("unknown"); ok {
		t.Fatal("unknown key id resolved")
	}
}

func TestCompromiseOfUnknownKeyKeepsActive(t *testing.T) {
	p, err := NewStatic()
	if err != nil {
		t.Fatal(err)
	}
	before, _ := p.Current()
	if err := p.MarkCompromised("not-ours", time.Now()); err != nil {
		t.Fatal(err)
	}
	after, _ := p.Current()
	if after.ID != before.ID {
		t.Fatal("active key rotated for a foreign key id")
	}
}
