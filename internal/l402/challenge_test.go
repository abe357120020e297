package l402

import (
	"bytes"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	xerrors "L402-Agent/internal/errors"
)

func TestParseChallenge(t *testing.T) {
	mac := testMacaroon(t)
	cases := []struct {
		name   string
		values []string
		scheme string
	}{
		{"l402 quoted", []string{`L402 macaroon="` + mac + `", invoice="lnbc10n1abc"`}, SchemeL402},
		{"lsat unquoted", []string{`LSAT macaroon=` + mac + `, invoice=lnbc10n1abc`}, SchemeLSAT},
		{"skips other schemes", []string{`Basic realm="x"`, `L402 invoice="lnbc10n1abc", macaroon="` + mac + `"`}, SchemeL402},
	}
	opaque := []string{"M1", "0201036c6e640247", "AgEDbG5k-_w"}
	for _, token := range opaque {
		header := http.Header{}
		header.Set("WWW-Authenticate", `L402 macaroon="`+token+`", invoice="lnbc10n1abc"`)
		ch, err := ParseChallenge(header)
		if err != nil || ch.Macaroon != token {
			t.Fatalf("opaque macaroon %q must pass through unchanged, got %+v, %v", token, ch, err)
		}
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			header := http.Header{}
			for _, v := range tc.values {
				header.Add("WWW-Authenticate", v)
			}
			ch, err := ParseChallenge(header)
			if err != nil {
				t.Fatalf("ParseChallenge returned error: %v", err)
			}
			if ch.Scheme != tc.scheme || ch.Macaroon != mac || ch.Invoice != "lnbc10n1abc" {
				t.Fatalf("unexpected challenge: %+v", ch)
			}
		})
	}
}

func TestParseChallengeErrors(t *testing.T) {
	mac := testMacaroon(t)
	cases := map[string]string{
		"missing invoice":  `L402 macaroon="` + mac + `"`,
		"missing macaroon": `L402 invoice="lnbc1"`,
		"macaroon spaces":  `L402 macaroon="M1 M2", invoice="lnbc1"`,
		"not an invoice":   `L402 macaroon="` + mac + `", invoice="hello"`,
		"wrong scheme":     `Bearer token="x"`,
		"no parameters":    `L402`,
	}
	for name, value := range cases {
		header := http.Header{}
		header.Set("WWW-Authenticate", value)
		if _, err := ParseChallenge(header); xerrors.CodeOf(err) != CodeChallengeParse {
			t.Fatalf("%s: expected CHALLENGE_PARSE_FAILED, got %v", name, err)
		}
	}
	if _, err := ParseChallenge(http.Header{}); xerrors.CodeOf(err) != CodeChallengeParse {
		t.Fatalf("missing header must fail, got %v", err)
	}
}

func TestMacaroonID(t *testing.T) {
	ch := &Challenge{Macaroon: testMacaroon(t)}
	id, ok := ch.MacaroonID()
	if !ok || id != hex.EncodeToString([]byte("M1")) {
		t.Fatalf("unexpected macaroon id %q, %v", id, ok)
	}
	if _, ok := (&Challenge{Macaroon: "M1"}).MacaroonID(); ok {
		t.Fatalf("an opaque token has no decodable id")
	}
}

func TestAuthorization(t *testing.T) {
	ch := &Challenge{Scheme: SchemeLSAT, Macaroon: "M1"}
	got := ch.Authorization(bytes.Repeat([]byte{0xab}, 2))
	if got != "LSAT M1:abab" {
		t.Fatalf("unexpected authorization %q", got)
	}
}

func TestDocumentationURL(t *testing.T) {
	docs, err := DefaultQuoteDocs("localhost:5000")
	if err != nil {
		t.Fatalf("DefaultQuoteDocs: %v", err)
	}
	if docs.Host() != "localhost" {
		t.Fatalf("unexpected host %q", docs.Host())
	}
	u, err := docs.URL(map[string]string{"number": "3"})
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if u.String() != "http://localhost:5000/quote/3" {
		t.Fatalf("unexpected url %s", u)
	}
	for _, bad := range []map[string]string{{}, {"number": "9"}, {"number": "../admin"}} {
		if _, err := docs.URL(bad); err == nil {
			t.Fatalf("expected error for %v", bad)
		}
	}
}

func TestParseExtraction(t *testing.T) {
	params, err := parseExtraction("Sure! {\"params\": {\"number\": 4}}")
	if err != nil || params["number"] != "4" {
		t.Fatalf("unexpected extraction %v, %v", params, err)
	}
	for _, bad := range []string{"no json here", `{"error": "not about quotes"}`, `{"params": {"number": [1]}}`} {
		if _, err := parseExtraction(bad); xerrors.CodeOf(err) != CodeRequestConstruction {
			t.Fatalf("%q: expected REQUEST_CONSTRUCTION_FAILED, got %v", bad, err)
		}
	}
}

func TestLoadDocumentation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.yaml")
	content := `base_url: https://api.example.com/v1
path: /items/{id}
summary: Returns one item.
params:
  - name: id
    description: item identifier
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write docs: %v", err)
	}
	docs, err := LoadDocumentation(path)
	if err != nil {
		t.Fatalf("LoadDocumentation: %v", err)
	}
	u, err := docs.URL(map[string]string{"id": "abc_1"})
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if u.String() != "https://api.example.com/v1/items/abc_1" {
		t.Fatalf("unexpected url %s", u)
	}
	if docs.Method != http.MethodGet {
		t.Fatalf("expected default method GET, got %s", docs.Method)
	}
}
