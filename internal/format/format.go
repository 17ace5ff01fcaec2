// ABOUTME: Converts assistant reply text into typed display blocks using the goldmark parser
// ABOUTME: Highlights game recommendation lines and degrades to raw text on any failure

package format

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Kind is the display role of a Block.
type Kind int

const (
	KindParagraph Kind = iota
	KindHeading
	KindListItem
	KindCode
	KindRecommendation
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindParagraph:
		return "paragraph"
	case KindHeading:
		return "heading"
	case KindListItem:
		return "list_item"
	case KindCode:
		return "code"
	case KindRecommendation:
		return "recommendation"
	case KindRaw:
		return "raw"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// RecommendationPrefix marks a line naming a recommended game.
const RecommendationPrefix = "추천 게임"

// Block is one unit of display.
type Block struct {
	Kind Kind
	Text string
	// Level is the heading level, or the nesting depth of a list item
	// starting at 1.
	Level int
	// Number is the position of an ordered list item, zero for bullets.
	Number int
	// Lang is the info string of a fenced code block.
	Lang string
}

var md = goldmark.New()

// Format splits s into display blocks. Empty or blank input yields nil.
func Format(s string) (blocks []Block) {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			blocks = Raw(s)
		}
	}()

	source := []byte(s)
	doc := md.Parser().Parse(text.NewReader(source))

	w := walker{source: source}
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		w.block(n, 0)
	}
	if len(w.out) == 0 {
		return Raw(s)
	}
	return w.out
}

// Raw returns one raw block per non-blank line of s.
func Raw(s string) []Block {
	var out []Block
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, Block{Kind: KindRaw, Text: line})
	}
	return out
}

// Recommendation strips the bracket decoration from a recommendation line.
func Recommendation(line string) string {
	line = strings.Replace(line, "[", "", 1)
	return strings.Replace(line, "]", " 🎮", 1)
}

type walker struct {
	source []byte
	out    []Block
}

func (w *walker) block(n ast.Node, depth int) {
	switch n := n.(type) {
	case *ast.Heading:
		w.add(Block{Kind: KindHeading, Text: strings.Join(w.lines(n), " "), Level: n.Level})

	case *ast.Paragraph, *ast.TextBlock:
		for _, line := range w.lines(n) {
			w.paragraphLine(line)
		}

	case *ast.List:
		number := 0
		if n.IsOrdered() {
			number = n.Start
		}
		for item := n.FirstChild(); item != nil; item = item.NextSibling() {
			w.listItem(item, depth+1, number)
			if number > 0 {
				number++
			}
		}

	case *ast.FencedCodeBlock:
		w.add(Block{
			Kind: KindCode,
			Text: strings.Join(w.rawLines(n), "\n"),
			Lang: string(n.Language(w.source)),
		})

	case *ast.CodeBlock:
		w.add(Block{Kind: KindCode, Text: strings.Join(w.rawLines(n), "\n")})

	case *ast.ThematicBreak:

	default:
		// Blockquotes, HTML, and anything else keep their source text
		for _, line := range w.collect(n) {
			w.add(Block{Kind: KindRaw, Text: line})
		}
	}
}

func (w *walker) paragraphLine(line string) {
	if strings.HasPrefix(line, RecommendationPrefix) {
		w.add(Block{Kind: KindRecommendation, Text: Recommendation(line)})
		return
	}
	w.add(Block{Kind: KindParagraph, Text: line})
}

// listItem emits the item's own text as one block, then its nested lists.
func (w *walker) listItem(item ast.Node, depth, number int) {
	var parts []string
	var nested []ast.Node
	for c := item.FirstChild(); c != nil; c = c.NextSibling() {
		switch c.(type) {
		case *ast.Paragraph, *ast.TextBlock:
			parts = append(parts, w.lines(c)...)
		default:
			nested = append(nested, c)
		}
	}
	if len(parts) > 0 {
		text := strings.Join(parts, " ")
		if strings.HasPrefix(text, RecommendationPrefix) {
			w.add(Block{Kind: KindRecommendation, Text: Recommendation(text), Level: depth, Number: number})
		} else {
			w.add(Block{Kind: KindListItem, Text: text, Level: depth, Number: number})
		}
	}
	for _, c := range nested {
		w.block(c, depth)
	}
}

func (w *walker) add(b Block) {
	if b.Kind != KindCode && strings.TrimSpace(b.Text) == "" {
		return
	}
	w.out = append(w.out, b)
}

// lines returns the trimmed, non-blank source lines of a leaf block.
func (w *walker) lines(n ast.Node) []string {
	var out []string
	for _, line := range w.rawLines(n) {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// rawLines returns the source lines of a leaf block without line endings.
func (w *walker) rawLines(n ast.Node) []string {
	segs := n.Lines()
	if segs == nil {
		return nil
	}
	out := make([]string, 0, segs.Len())
	for i := 0; i < segs.Len(); i++ {
		seg := segs.At(i)
		out = append(out, strings.TrimRight(string(seg.Value(w.source)), "\r\n"))
	}
	return out
}

// collect gathers the source lines of every leaf below n.
func (w *walker) collect(n ast.Node) []string {
	if n.Type() != ast.TypeBlock {
		return nil
	}
	if n.HasChildren() && n.FirstChild().Type() == ast.TypeBlock {
		var out []string
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			out = append(out, w.collect(c)...)
		}
		return out
	}
	return w.lines(n)
}
