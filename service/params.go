package service

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/boxtree/boxtree/geom"
)

// boxFromQueryParam parses a "box" query parameter of the form
// "lo1,hi1,lo2,hi2,..." into a geom.Box.
func boxFromQueryParam(c echo.Context) (geom.Box, error) {
	raw := c.QueryParam("box")
	if raw == "" {
		return nil, fmt.Errorf("service: missing box query parameter")
	}
	parts := strings.Split(raw, ",")
	if len(parts)%2 != 0 {
		return nil, fmt.Errorf("service: box must have an even number of coordinates")
	}

	coords := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("service: invalid coordinate %q: %w", p, err)
		}
		coords[i] = v
	}
	return boxFromFlatCoords(coords), nil
}

func parseDepth(raw string, out *int) (int, error) {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("service: invalid depth %q: %w", raw, err)
	}
	*out = v
	return v, nil
}
