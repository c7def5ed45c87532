// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package parse

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var inlineSpace = regexp.MustCompile(`[ \t\x{00a0}]+`)

// HTMLToText renders an HTML body as plain text. Block elements and table
// cells are separated so that "TOTAL" and its amount stay on one line.
func HTMLToText(body string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	doc.Find("script,style,head,noscript").Remove()
	doc.Find("br").Each(func(_ int, s *goquery.Selection) {
		s.ReplaceWithNodes(textNode("\n"))
	})
	doc.Find("td,th").Each(func(_ int, s *goquery.Selection) {
		s.AppendNodes(textNode(" "))
	})
	doc.Find("p,div,tr,li,h1,h2,h3,h4,h5,h6,table").Each(func(_ int, s *goquery.Selection) {
		s.AppendNodes(textNode("\n"))
	})

	lines := strings.Split(doc.Text(), "\n")
	for i, line := range lines {
		lines[i] = inlineSpace.ReplaceAllString(line, " ")
	}
	return normalizeText(strings.Join(lines, "\n")), nil
}

func textNode(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}
