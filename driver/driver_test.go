package driver

import "testing"

func TestPackageRecordOK(t *testing.T) {
	errStr := "boom"
	cases := []struct {
		name string
		rec  PackageRecord
		want bool
	}{
		{"success", PackageRecord{Files: []string{"/usr/bin/foo"}}, true},
		{"error", PackageRecord{Error: &errStr}, false},
		{"empty files no error", PackageRecord{}, false},
	}
	for _, c := range cases {
		if got := c.rec.OK(); got != c.want {
			t.Errorf("%s: OK() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestTaskError(t *testing.T) {
	err := NewTaskError(ErrFetchEmpty, "empty body")
	if err.Error() != "empty body" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if err.Kind != ErrFetchEmpty {
		t.Fatalf("Kind = %q, want %q", err.Kind, ErrFetchEmpty)
	}
}
