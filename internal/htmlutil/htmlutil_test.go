package htmlutil

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestStrippedStrings(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`
		<table><tr><td id="title">
			<a href="/x">Der  Process</a>
			<br>
			<span> Kafka, Franz </span>
			<script>var ignored = 1;</script>
			&nbsp;
		</td></tr></table>
	`))
	require.NoError(t, err)

	cell := doc.Find("#title")
	diff := cmp.Diff([]string{"Der  Process", "Kafka, Franz"}, StrippedStrings(cell.Nodes[0]))
	if diff != "" {
		t.Fatal(diff)
	}
	require.Equal(t, "Der  Process Kafka, Franz", JoinStripped(cell))
}

func TestText(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`<p id="p">  a <b>b</b>&nbsp;</p>`))
	require.NoError(t, err)
	require.Equal(t, "a b", Text(doc.Find("#p")))
	require.Equal(t, "  a b\u00a0", GetText(doc.Find("#p").Nodes[0]))
}
