package ignore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSkipsBlankAndCommentLines(t *testing.T) {
	input := "# hdr\nnode_modules\n\n*.log\n  .git  \n"
	p, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, []string{"node_modules", "*.log", ".git"}, p.Lines())
}

func TestMatchFullPathOrBasename(t *testing.T) {
	p, err := Parse(strings.NewReader("*.tmp\nnode_modules\n"))
	require.NoError(t, err)

	require.False(t, p.Match("README.md"))
	require.True(t, p.Match("test.tmp"))
	require.True(t, p.Match("node_modules/package.json"))
	require.True(t, p.Match("nested/deep/file.tmp"))
}

func TestMatchDotLeadingBasename(t *testing.T) {
	p, err := Parse(strings.NewReader(".git\n"))
	require.NoError(t, err)
	require.True(t, p.Match(".git"))
	require.True(t, p.Match(".git/cfg"))
}

func TestEmptyPatternsMatchesNothing(t *testing.T) {
	p, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	require.False(t, p.Match("anything"))
}
