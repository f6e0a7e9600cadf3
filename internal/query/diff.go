package query

import (
	"strings"
	"unicode"
)

// Diff compares two transcription attempts of the same recording word by
// word. The earlier attempt is the reference.
type Diff struct {
	Reference  string
	Hypothesis string

	// WER is (Substitutions + Insertions + Deletions) / ReferenceWords.
	WER            float64
	Substitutions  int
	Insertions     int
	Deletions      int
	ReferenceWords int
}

// Changed reports whether the attempts differ after normalization.
func (d Diff) Changed() bool {
	return d.Substitutions+d.Insertions+d.Deletions > 0
}

// compareWords aligns hyp against ref with a minimum edit distance over
// lowercased, punctuation-free words.
func compareWords(ref, hyp string) Diff {
	rw, hw := words(ref), words(hyp)
	d := Diff{ReferenceWords: len(rw)}
	n, m := len(rw), len(hw)
	if n == 0 {
		d.Insertions = m
		if m > 0 {
			d.WER = 1
		}
		return d
	}

	dist := make([][]int, n+1)
	for i := range dist {
		dist[i] = make([]int, m+1)
		dist[i][0] = i
	}
	for j := 0; j <= m; j++ {
		dist[0][j] = j
	}
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			if rw[i-1] == hw[j-1] {
				dist[i][j] = dist[i-1][j-1]
				continue
			}
			dist[i][j] = 1 + min(dist[i-1][j-1], dist[i-1][j], dist[i][j-1])
		}
	}

	i, j := n, m
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && rw[i-1] == hw[j-1]:
			i, j = i-1, j-1
		case i > 0 && j > 0 && dist[i][j] == dist[i-1][j-1]+1:
			d.Substitutions++
			i, j = i-1, j-1
		case i > 0 && dist[i][j] == dist[i-1][j]+1:
			d.Deletions++
			i--
		default:
			d.Insertions++
			j--
		}
	}
	d.WER = float64(d.Substitutions+d.Insertions+d.Deletions) / float64(n)
	return d
}

func words(s string) []string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
	return strings.Fields(s)
}
