// Package uci parses the subset of engine output the server consumes:
// streaming "info" lines and the final "bestmove" line.
package uci

import (
	"strconv"
	"strings"

	"github.com/bobmcallan/sfcluster/internal/models"
)

// ParseInfoLine extracts the known fields from one whitespace-trimmed engine
// info line: depth, seldepth, score_cp/score_mate, nodes, nps, multipv and pv.
// The pv keyword consumes the rest of the line. Unknown tokens are skipped.
func ParseInfoLine(line string) models.InfoFields {
	tokens := strings.Fields(line)
	out := make(models.InfoFields)
	for i := 0; i < len(tokens); i++ {
		switch tokens[i] {
		case "depth", "seldepth", "nodes", "nps", "multipv":
			if i+1 < len(tokens) {
				if v, err := strconv.Atoi(tokens[i+1]); err == nil {
					out[tokens[i]] = v
				}
				i++
			}
		case "score":
			if i+2 < len(tokens) {
				if v, err := strconv.Atoi(tokens[i+2]); err == nil {
					switch tokens[i+1] {
					case "cp":
						out["score_cp"] = v
					case "mate":
						out["score_mate"] = v
					}
				}
				i += 2
			}
		case "pv":
			if i+1 < len(tokens) {
				out["pv"] = strings.Join(tokens[i+1:], " ")
			}
			return out
		}
	}
	return out
}

// ParseBestmoveLine extracts the bestmove token from a "bestmove ..." line.
// The move may be "(none)" for positions with no legal move.
func ParseBestmoveLine(line string) models.InfoFields {
	parts := strings.Fields(line)
	if len(parts) >= 2 {
		return models.InfoFields{"bestmove": parts[1]}
	}
	return models.InfoFields{}
}

// ParseLine dispatches on the line prefix: info lines and bestmove lines are
// parsed, anything else yields an empty map.
func ParseLine(line string) models.InfoFields {
	switch {
	case strings.HasPrefix(line, "info"):
		return ParseInfoLine(line)
	case strings.HasPrefix(line, "bestmove"):
		return ParseBestmoveLine(line)
	}
	return models.InfoFields{}
}
