package quota

import (
	"regexp"
	"testing"

	"github.com/cubexhq/usagegate/internal/model"
)

var hexRe = regexp.MustCompile(`^[a-f0-9]{64}$`)

func TestFingerprintShape(t *testing.T) {
	fp := Fingerprint("/v1/generate", "POST", "abc123", nil)
	if !hexRe.MatchString(fp) {
		t.Errorf("fingerprint %q is not 64 hex chars", fp)
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	chars := 100
	est := &model.UsageEstimate{InputChars: &chars}
	a := Fingerprint("/v1/generate", "POST", "abc123", est)
	b := Fingerprint("/v1/generate", "POST", "abc123", est)
	if a != b {
		t.Errorf("same inputs gave different fingerprints: %s vs %s", a, b)
	}
}

func TestFingerprintNormalizesCase(t *testing.T) {
	a := Fingerprint("/V1/Generate", "post", "abc123", nil)
	b := Fingerprint("/v1/generate", "POST", "abc123", nil)
	if a != b {
		t.Error("endpoint and method case should not affect the fingerprint")
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := Fingerprint("/v1/generate", "POST", "abc123", nil)

	if Fingerprint("/v1/other", "POST", "abc123", nil) == base {
		t.Error("endpoint change should change the fingerprint")
	}
	if Fingerprint("/v1/generate", "GET", "abc123", nil) == base {
		t.Error("method change should change the fingerprint")
	}
	if Fingerprint("/v1/generate", "POST", "def456", nil) == base {
		t.Error("payload hash change should change the fingerprint")
	}

	chars := 100
	withEst := Fingerprint("/v1/generate", "POST", "abc123", &model.UsageEstimate{InputChars: &chars})
	if withEst == base {
		t.Error("adding an estimate should change the fingerprint")
	}
	other := 200
	if Fingerprint("/v1/generate", "POST", "abc123", &model.UsageEstimate{InputChars: &other}) == withEst {
		t.Error("estimate change should change the fingerprint")
	}
}

func TestHashKeyDependsOnSecret(t *testing.T) {
	a := HashKey("cbx_live_token", []byte("secret-a"))
	b := HashKey("cbx_live_token", []byte("secret-b"))
	if a == b {
		t.Error("different secrets should give different hashes")
	}
	if !hexRe.MatchString(a) {
		t.Errorf("hash %q is not 64 hex chars", a)
	}
	if HashKey("cbx_live_token", []byte("secret-a")) != a {
		t.Error("hash should be deterministic")
	}
}
