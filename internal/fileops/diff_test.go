package fileops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnifiedDiff(t *testing.T) {
	d := NewUnifiedDiff()

	tests := []struct {
		name     string
		original string
		updated  string
		want     string
	}{
		{
			name:     "identical",
			original: "same\n",
			updated:  "same\n",
			want:     "",
		},
		{
			name:     "single line change",
			original: "old\n",
			updated:  "new\n",
			want:     "--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-old\n+new\n",
		},
		{
			name:     "new file",
			original: "",
			updated:  "a\nb\n",
			want:     "--- /dev/null\n+++ b/x.go\n@@ -0,0 +1,2 @@\n+a\n+b\n",
		},
		{
			name:     "deleted file",
			original: "a\n",
			updated:  "",
			want:     "--- a/x.go\n+++ /dev/null\n@@ -1 +0,0 @@\n-a\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.Diff("x.go", tt.original, tt.updated)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnifiedDiff_ContextLines(t *testing.T) {
	original := "1\n2\n3\n4\n5\n6\n7\n8\n9\n"
	updated := "1\n2\n3\n4\nfive\n6\n7\n8\n9\n"

	got, err := UnifiedDiff{Context: 1}.Diff("n.txt", original, updated)
	require.NoError(t, err)
	assert.Contains(t, got, "@@ -4,3 +4,3 @@\n 4\n-5\n+five\n 6\n")
	assert.NotContains(t, got, " 2\n")
}

func TestUnifiedDiff_MissingTrailingNewline(t *testing.T) {
	got, err := NewUnifiedDiff().Diff("x", "a\n", "a\nb")
	require.NoError(t, err)
	assert.Contains(t, got, "+b\n\\ No newline at end of file\n")
}
