package models

import (
	"encoding/json"
	"testing"
)

func TestSettingValue_ScanNativeValues(t *testing.T) {
	cases := []struct {
		src  any
		want string
	}{
		{src: int64(0), want: "0"},
		{src: int64(2), want: "2"},
		{src: 1.5, want: "1.5"},
		{src: true, want: "true"},
		{src: `"sk-prism-abc"`, want: `"sk-prism-abc"`},
		{src: []byte(`{"host":"127.0.0.1"}`), want: `{"host":"127.0.0.1"}`},
	}
	for _, tc := range cases {
		var v SettingValue
		if err := v.Scan(tc.src); err != nil {
			t.Fatalf("scan %T: %v", tc.src, err)
		}
		if v.String() != tc.want {
			t.Fatalf("scan %T: expected %s, got %s", tc.src, tc.want, v.String())
		}
		if !json.Valid(v) {
			t.Fatalf("scan %T: expected valid json, got %s", tc.src, v.String())
		}
	}

	var v SettingValue
	if err := v.Scan(struct{}{}); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
}

func TestSettingValue_ValueIsText(t *testing.T) {
	got, err := SettingValue(`{"a":1}`).Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if s, ok := got.(string); !ok || s != `{"a":1}` {
		t.Fatalf("expected text value, got %#v", got)
	}
	empty, _ := SettingValue(nil).Value()
	if empty != "null" {
		t.Fatalf("expected null for empty value, got %#v", empty)
	}
}
