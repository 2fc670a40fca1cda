package value

import (
	"encoding/json"
	"testing"
)

func TestTextFormatsNumbersWithoutLocale(t *testing.T) {
	cases := []struct {
		in   Value
		want string
	}{
		{Int(1500), "1500"},
		{Number(2.5), "2.5"},
		{Number(-3), "-3"},
		{Number(1234567.125), "1234567.125"},
		{String("Ann"), "Ann"},
		{Bool(true), "true"},
		{Null(), ""},
		{MapOf(Map{"a": Int(1)}), ""},
	}
	for _, tc := range cases {
		if got := tc.in.Text(); got != tc.want {
			t.Errorf("Text(%v) = %q, want %q", tc.in.Kind(), got, tc.want)
		}
	}
}

func TestParseJSONKeepsVariants(t *testing.T) {
	v, err := ParseJSON(`{"user":"ann","bits":100,"vip":true,"extra":null,"colors":{"text":"#fff"},"tags":["a",1]}`)
	if err != nil {
		t.Fatalf("ParseJSON: %v", err)
	}
	m, ok := v.Map()
	if !ok {
		t.Fatalf("expected map, got %s", v.Kind())
	}
	if s, _ := m["user"].Str(); s != "ann" {
		t.Fatalf("user = %q", s)
	}
	if n, ok := m["bits"].Num(); !ok || n != 100 {
		t.Fatalf("bits = %v (%v)", n, ok)
	}
	if b, ok := m["vip"].Boolean(); !ok || !b {
		t.Fatalf("vip = %v", b)
	}
	if !m["extra"].IsNull() {
		t.Fatalf("extra should be null")
	}
	if c, ok := m["colors"].Map(); !ok || c["text"].Text() != "#fff" {
		t.Fatalf("colors = %v", m["colors"])
	}
	if items, ok := m["tags"].Items(); !ok || len(items) != 2 {
		t.Fatalf("tags = %v", m["tags"])
	}
}

func TestParseJSONRejectsTrailingData(t *testing.T) {
	for _, in := range []string{`{"shake":true} not json`, `{"a":1}{"b":2}`, `1 2`} {
		if _, err := ParseJSON(in); err == nil {
			t.Fatalf("ParseJSON(%q) accepted trailing data", in)
		}
	}
	if _, err := ParseJSON("  {\"a\":1}\n"); err != nil {
		t.Fatalf("surrounding whitespace rejected: %v", err)
	}
}

func TestMapJSONEncoding(t *testing.T) {
	m := Map{"x": Int(1), "nested": MapOf(Map{"y": String("z")})}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Map
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(m) {
		t.Fatalf("decoded %s does not equal source", b)
	}

	var nilMap Map
	b, _ = json.Marshal(nilMap)
	if string(b) != "{}" {
		t.Fatalf("nil map encodes as %s, want {}", b)
	}
}

func TestCloneIsDeep(t *testing.T) {
	inner := Map{"k": String("v")}
	src := Map{"inner": MapOf(inner)}
	cp := src.Clone()
	inner["k"] = String("changed")

	got, _ := cp["inner"].Map()
	if got["k"].Text() != "v" {
		t.Fatalf("clone shares nested map")
	}
}

func TestLookupCaseInsensitive(t *testing.T) {
	m := Map{"DisplayName": String("Ann"), "displayname": String("ann")}
	if v, ok := m.Lookup("displayName"); !ok || v.Text() != "Ann" {
		t.Fatalf("Lookup picked %q", v.Text())
	}
	if v, ok := m.Lookup("displayname"); !ok || v.Text() != "ann" {
		t.Fatalf("exact match should win, got %q", v.Text())
	}
	if _, ok := m.Lookup("missing"); ok {
		t.Fatal("missing key reported present")
	}
}
