package wire

import "testing"

func TestKnownVerbs(t *testing.T) {
	if !VerbStatusGet.Known() {
		t.Fatalf("VerbStatusGet should be known")
	}
	if Verb(999999).Known() {
		t.Fatalf("an unassigned verb id should not be known")
	}
}

func TestCheckSizeBounds(t *testing.T) {
	cases := []struct {
		verb Verb
		n    int
		want bool
	}{
		{VerbBlockGet, 16, true},
		{VerbBlockGet, 15, false},
		{VerbBlockGet, 17, false},
		{VerbStatusGet, 0, true},
		{VerbStatusGet, 1, false},
		{VerbTransactionSubmit, 0, false},
		{VerbTransactionSubmit, 1, true},
		{VerbExtendedAPIClientReq, 0, false}, // never a legitimate client-sent verb
	}
	for _, c := range cases {
		if got := c.verb.CheckSize(c.n); got != c.want {
			t.Errorf("%s.CheckSize(%d) = %v, want %v", c.verb, c.n, got, c.want)
		}
	}
}

func TestCarriesCertificate(t *testing.T) {
	if !VerbTransactionSubmit.CarriesCertificate() {
		t.Fatalf("transaction_submit should carry a certificate")
	}
	if VerbStatusGet.CarriesCertificate() {
		t.Fatalf("status_get should not carry a certificate")
	}
}
