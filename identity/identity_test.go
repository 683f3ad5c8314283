package identity

import "testing"

func TestIsCCID(t *testing.T) {
	valid := "con1aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	if len(valid) != idLength {
		t.Fatalf("fixture length = %d, want %d", len(valid), idLength)
	}
	if !IsCCID(valid) {
		t.Errorf("IsCCID(%q) = false, want true", valid)
	}
	if IsCSID(valid) || IsCKID(valid) {
		t.Errorf("CCID fixture misclassified as CSID/CKID")
	}
	if IsCCID("con1tooshort") {
		t.Errorf("IsCCID accepted a short id")
	}
	if IsCCID("con1aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.") {
		t.Errorf("IsCCID accepted an id containing a dot")
	}
}

func TestSplitHost(t *testing.T) {
	id, suffix, ok := SplitHost("t1@example.com")
	if !ok || id != "t1" || suffix != "example.com" {
		t.Errorf("SplitHost = (%q,%q,%v), want (t1, example.com, true)", id, suffix, ok)
	}

	id, suffix, ok = SplitHost("t1")
	if ok || id != "t1" || suffix != "" {
		t.Errorf("SplitHost without suffix = (%q,%q,%v)", id, suffix, ok)
	}
}

func TestClassifySuffix(t *testing.T) {
	ccid := "con1aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	if got := ClassifySuffix(ccid); got != SuffixCCID {
		t.Errorf("ClassifySuffix(ccid) = %v, want SuffixCCID", got)
	}
	if got := ClassifySuffix("example.com"); got != SuffixFQDN {
		t.Errorf("ClassifySuffix(fqdn) = %v, want SuffixFQDN", got)
	}
}
