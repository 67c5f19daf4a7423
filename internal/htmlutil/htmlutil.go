package htmlutil

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// GetText concatenates every text node under `node` as is.
func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	child := node.FirstChild
	for child != nil {
		getTextRecursive(child, buffer)
		child = child.NextSibling
	}
}

// StrippedStrings returns the text nodes under `node` in document order, each trimmed of
// surrounding whitespace, skipping the ones that are empty after trimming.
func StrippedStrings(node *html.Node) []string {
	var out []string
	strippedRecursive(node, &out)
	return out
}

func strippedRecursive(node *html.Node, out *[]string) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		text := strings.TrimSpace(node.Data)
		if text != "" {
			*out = append(*out, text)
		}
		return
	}
	// script and style contents are not visible text
	if node.Type == html.ElementNode && (node.Data == "script" || node.Data == "style") {
		return
	}
	child := node.FirstChild
	for child != nil {
		strippedRecursive(child, out)
		child = child.NextSibling
	}
}

// JoinStripped joins the stripped strings of every node in the selection with single spaces.
func JoinStripped(sel *goquery.Selection) string {
	var parts []string
	for _, n := range sel.Nodes {
		parts = append(parts, StrippedStrings(n)...)
	}
	return strings.Join(parts, " ")
}

// Text returns the trimmed text of the selection, &nbsp; padding included.
func Text(sel *goquery.Selection) string {
	return strings.TrimSpace(sel.Text())
}
