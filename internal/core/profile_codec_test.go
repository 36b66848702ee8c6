package core

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestProfileURIRoundTrip(t *testing.T) {
	in := Profile{
		ID:               "cfg_1",
		Name:             "Home",
		Resolver:         "1.1.1.1:53",
		Domain:           "t.example.com",
		SocksAuthEnabled: false,
		Username:         "u",
		Password:         "p'w\\d",
	}
	uri, err := EncodeProfileURI(in)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(uri, URIScheme) {
		t.Fatalf("uri = %q", uri)
	}

	out, err := DecodeProfileURI(uri)
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("round trip:\n got %+v\nwant %+v", out, in)
	}
}

func TestEncodeProfileURIMatchesAppLinks(t *testing.T) {
	p := Profile{ID: "cfg_1", Name: "A", Resolver: "8.8.8.8:53", Domain: "t.example", SocksAuthEnabled: true}
	uri, err := EncodeProfileURI(p)
	if err != nil {
		t.Fatal(err)
	}
	const doc = `{"id":"cfg_1","name":"A","resolver":"8.8.8.8:53","domain":"t.example","socksAuthEnabled":true,"username":"","password":""}`
	if want := URIScheme + base64.URLEncoding.EncodeToString([]byte(doc)); uri != want {
		t.Errorf("uri = %q\nwant %q", uri, want)
	}
	if !strings.HasSuffix(uri, "=") {
		t.Errorf("link should keep base64 padding: %q", uri)
	}
	if strings.ContainsAny(uri[len(URIScheme):], "+/") {
		t.Errorf("link is not URL-safe: %q", uri)
	}
}

func TestDecodeProfileURIDefaults(t *testing.T) {
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"domain":"x.example"}`))
	p, err := DecodeProfileURI("  " + URIScheme + payload + "\n")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "Imported" || p.Resolver != DefaultResolver || !p.SocksAuthEnabled {
		t.Errorf("defaults not applied: %+v", p)
	}
	if !strings.HasPrefix(p.ID, "cfg_") {
		t.Errorf("ID = %q", p.ID)
	}
}

func TestDecodeProfileURIErrors(t *testing.T) {
	noDomain := URIScheme + base64.URLEncoding.EncodeToString([]byte(`{"name":"x"}`))
	cases := []string{
		"https://example.com",
		URIScheme + "!!!",
		URIScheme + base64.URLEncoding.EncodeToString([]byte("not json")),
		noDomain,
	}
	for _, c := range cases {
		if _, err := DecodeProfileURI(c); err == nil {
			t.Errorf("DecodeProfileURI(%q) should fail", c)
		}
	}
}

func TestExtractProfileURI(t *testing.T) {
	got, ok := ExtractProfileURI("use this: slipstream://abc_-= thanks")
	if !ok || got != "slipstream://abc_-=" {
		t.Errorf("ExtractProfileURI = %q, %v", got, ok)
	}
	got, ok = ExtractProfileURI("slipstream://tail")
	if !ok || got != "slipstream://tail" {
		t.Errorf("ExtractProfileURI = %q, %v", got, ok)
	}
	if _, ok := ExtractProfileURI("nothing here"); ok {
		t.Error("expected no match")
	}
}

func TestParseSubscription(t *testing.T) {
	a, _ := EncodeProfileURI(Profile{Name: "A", Domain: "a.example", Resolver: "8.8.4.4:53"})
	b, _ := EncodeProfileURI(Profile{Name: "B", Domain: "b.example"})
	body := a + "\n# comment\nslipstream://broken\n" + b + "\n"

	for _, data := range []string{body, base64.StdEncoding.EncodeToString([]byte(body))} {
		profiles, err := parseSubscription("work", SubscriptionConfig{}, []byte(data))
		if err != nil {
			t.Fatal(err)
		}
		if len(profiles) != 2 {
			t.Fatalf("profiles = %d, want 2", len(profiles))
		}
		if profiles[0].ID != "work_1" || profiles[1].ID != "work_2" {
			t.Errorf("ids = %q, %q", profiles[0].ID, profiles[1].ID)
		}
		if profiles[0].Subscription != "work" {
			t.Errorf("Subscription = %q", profiles[0].Subscription)
		}
	}

	if _, err := parseSubscription("empty", SubscriptionConfig{}, []byte("nothing")); err == nil {
		t.Error("expected error for subscription without links")
	}
}

func TestReplaceSubscriptionProfiles(t *testing.T) {
	cm := NewConfigManager("", nil)
	_ = cm.PutProfile(Profile{ID: "own", Domain: "own.example"})
	_ = cm.PutProfile(Profile{ID: "s_1", Domain: "old.example", Subscription: "s"})
	_ = cm.Select("s_1")

	cm.ReplaceSubscriptionProfiles("s", []Profile{{ID: "s_9", Domain: "new.example", Subscription: "s"}})

	ids := map[string]bool{}
	for _, p := range cm.Profiles() {
		ids[p.ID] = true
	}
	if !ids["own"] || !ids["s_9"] || ids["s_1"] {
		t.Errorf("profiles after replace = %v", ids)
	}
	if cm.Get().Selected != "" {
		t.Error("stale selection should be cleared")
	}
}
