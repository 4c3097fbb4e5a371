// Package negotiate picks the media type that best satisfies an Accept header.
package negotiate

import (
	"mime"
	"strconv"
	"strings"
)

type mediaRange struct {
	typ, subtype string
	params       map[string]string
	q            float64
}

func parseAccept(accept string) []mediaRange {
	var out []mediaRange
	for _, part := range strings.Split(accept, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		mt, params, err := mime.ParseMediaType(part)
		if err != nil {
			continue
		}
		typ, sub, ok := strings.Cut(mt, "/")
		if !ok {
			continue
		}
		r := mediaRange{typ: typ, subtype: sub, q: 1, params: params}
		if qs, ok := params["q"]; ok {
			if q, err := strconv.ParseFloat(qs, 64); err == nil && q >= 0 && q <= 1 {
				r.q = q
			}
			delete(params, "q")
		}
		out = append(out, r)
	}
	return out
}

// specificity ranks how closely r matches the offered type; -1 means no match.
func (r mediaRange) specificity(typ, sub string, params map[string]string) int {
	switch {
	case r.typ == "*" && r.subtype == "*":
		return 0
	case r.typ != typ:
		return -1
	case r.subtype == "*":
		return 1
	case r.subtype != sub:
		return -1
	}
	for k, v := range r.params {
		if !strings.EqualFold(params[k], v) {
			return -1
		}
	}
	return 2 + len(r.params)
}

// Select returns the offered media type preferred by accept. Offers are
// compared by the quality of their most specific matching range; ties go
// to the earlier offer. An empty accept header accepts the first offer.
func Select(accept string, offered []string) (string, bool) {
	if len(offered) == 0 {
		return "", false
	}
	ranges := parseAccept(accept)
	if strings.TrimSpace(accept) == "" {
		return offered[0], true
	}

	best, bestQ := "", 0.0
	for _, offer := range offered {
		mt, params, err := mime.ParseMediaType(offer)
		if err != nil {
			continue
		}
		typ, sub, _ := strings.Cut(mt, "/")

		spec, q := -1, 0.0
		for _, r := range ranges {
			if s := r.specificity(typ, sub, params); s > spec {
				spec, q = s, r.q
			}
		}
		if spec >= 0 && q > bestQ {
			best, bestQ = offer, q
		}
	}
	return best, best != ""
}
