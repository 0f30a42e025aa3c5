package mtree

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFiles(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    []string
	}{
		{
			name: "typical",
			payload: "#mtree\n" +
				"/set type=file uid=0 gid=0 mode=644\n" +
				"./usr/bin/foo time=1690000000.0 size=1024\n" +
				"./usr/share/foo/README time=1690000000.0 size=512\n",
			want: []string{"/usr/bin/foo", "/usr/share/foo/README"},
		},
		{
			name:    "empty",
			payload: "",
			want:    nil,
		},
		{
			name:    "no matching lines",
			payload: "#mtree\n/set type=file\n",
			want:    nil,
		},
		{
			name: "truncated trailing line is dropped",
			payload: "./usr/bin/foo time=1690000000.0 size=1024\n" +
				"./usr/bin/partial tim",
			want: []string{"/usr/bin/foo"},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Files([]byte(c.payload))
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Fatalf("Files() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
