package api

import (
	"net/http"
	"strconv"
	"strings"
)

const (
	DiffUnchanged = "unchanged"
	DiffAdded     = "added"
	DiffRemoved   = "removed"
)

type DiffLine struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

func (a *API) DiffVersionsHandler(w http.ResponseWriter, r *http.Request) {
	fromID, err := strconv.Atoi(r.URL.Query().Get("from"))
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid 'from' version ID")
		return
	}
	toID, err := strconv.Atoi(r.URL.Query().Get("to"))
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid 'to' version ID")
		return
	}

	from := a.loadVersion(w, r, fromID, "From version not found")
	if from == nil {
		return
	}
	to := a.loadVersion(w, r, toID, "To version not found")
	if to == nil {
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"from": versionResponse(from, false),
		"to":   versionResponse(to, false),
		"diff": DiffLines(from.Content, to.Content),
	})
}

// DiffLines is a line diff built on the longest common subsequence. Line
// numbers are 1-based; removals come before additions at the same point.
func DiffLines(oldContent, newContent string) []DiffLine {
	oldLines := strings.Split(oldContent, "\n")
	newLines := strings.Split(newContent, "\n")
	m, n := len(oldLines), len(newLines)

	// suffix[i][j] is the LCS length of oldLines[i:] and newLines[j:].
	suffix := make([][]int, m+1)
	for i := range suffix {
		suffix[i] = make([]int, n+1)
	}
	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if oldLines[i] == newLines[j] {
				suffix[i][j] = suffix[i+1][j+1] + 1
			} else {
				suffix[i][j] = max(suffix[i+1][j], suffix[i][j+1])
			}
		}
	}

	out := make([]DiffLine, 0, max(m, n))
	i, j := 0, 0
	for i < m || j < n {
		switch {
		case i < m && j < n && oldLines[i] == newLines[j]:
			out = append(out, DiffLine{Type: DiffUnchanged, Content: oldLines[i], OldLine: i + 1, NewLine: j + 1})
			i++
			j++
		case i < m && (j == n || suffix[i+1][j] >= suffix[i][j+1]):
			out = append(out, DiffLine{Type: DiffRemoved, Content: oldLines[i], OldLine: i + 1})
			i++
		default:
			out = append(out, DiffLine{Type: DiffAdded, Content: newLines[j], NewLine: j + 1})
			j++
		}
	}
	return out
}
