// Package format turns assistant reply text into display blocks.
//
// Replies are markdown-ish text. Format parses them with goldmark and flattens
// the block tree into a list a terminal can print line by line. Plain
// paragraph lines starting with "추천 게임" become recommendation blocks so
// the front end can highlight them.
//
// Format never panics and never fails. Anything it cannot classify comes back
// as a raw block holding the source text.
package format
