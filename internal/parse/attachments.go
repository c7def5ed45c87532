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
	"bytes"
	"fmt"
	"strings"

	pdf "github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

// attachmentText extracts readable text from an attachment. Types without a
// text form return "" and no error.
func attachmentText(name, contentType string, content []byte) (string, error) {
	lower := strings.ToLower(name)
	ct := strings.ToLower(contentType)

	switch {
	case strings.HasSuffix(lower, ".pdf") || ct == "application/pdf":
		return pdfText(content)
	case strings.HasSuffix(lower, ".xlsx") || strings.HasSuffix(lower, ".xlsm") ||
		ct == "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return spreadsheetText(content)
	case ct == "text/html" || strings.HasSuffix(lower, ".html") || strings.HasSuffix(lower, ".htm"):
		return HTMLToText(string(content))
	case strings.HasPrefix(ct, "text/") || strings.HasSuffix(lower, ".txt"):
		return normalizeText(string(content)), nil
	}
	return "", nil
}

func pdfText(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return normalizeText(b.String()), nil
}

// spreadsheetText renders every sheet row as a " | " separated line.
func spreadsheetText(content []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("open spreadsheet: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		for _, row := range rows {
			cells := make([]string, 0, len(row))
			for _, c := range row {
				if c = strings.TrimSpace(c); c != "" {
					cells = append(cells, c)
				}
			}
			if len(cells) > 0 {
				b.WriteString(strings.Join(cells, " | "))
				b.WriteString("\n")
			}
		}
	}
	return normalizeText(b.String()), nil
}
