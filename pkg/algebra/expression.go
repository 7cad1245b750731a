package algebra

import (
	"fmt"
	"math"
	"strings"

	goeval "github.com/edisonguo/govaluate"

	"kvi2/internal/models"
)

// parseBandExpression compiles expr and checks that every variable names a band of r
func parseBandExpression(expr string, r *models.Raster) (*goeval.EvaluableExpression, []string, error) {
	if len(strings.TrimSpace(expr)) == 0 {
		return nil, nil, fmt.Errorf("empty expression")
	}

	e, err := goeval.NewEvaluableExpression(expr)
	if err != nil {
		return nil, nil, err
	}

	var vars []string
	seen := map[string]bool{}
	for _, token := range e.Tokens() {
		if token.Kind != goeval.VARIABLE {
			continue
		}
		varName, ok := token.Value.(string)
		if !ok {
			return nil, nil, fmt.Errorf("variable token '%v' failed to cast string", token.Value)
		}
		if _, err := r.Band(varName); err != nil {
			return nil, nil, err
		}
		if !seen[varName] {
			seen[varName] = true
			vars = append(vars, varName)
		}
	}
	return e, vars, nil
}

// Expression evaluates an arithmetic expression over the bands of r, e.g.
// "(b8 - b5) / (b8 + b5)". Pixels where a referenced band is absent or the
// result is not a finite number are absent.
func (c *Calculator) Expression(r *models.Raster, name, expr string) (*models.Raster, error) {
	if _, _, err := parseBandExpression(expr, r); err != nil {
		return nil, fmt.Errorf("expression %s: %w", name, err)
	}

	n := r.Footprint.Size()
	out := models.Band{Name: name, Data: make([]float64, n), Valid: make([]bool, n)}

	err := c.parallelChunks(n, func(start, end int) error {
		// each chunk compiles its own copy so evaluation state is never shared
		e, vars, err := parseBandExpression(expr, r)
		if err != nil {
			return err
		}
		bands := make([]*models.Band, len(vars))
		for i, v := range vars {
			bands[i], _ = r.Band(v)
		}
		params := make(map[string]interface{}, len(vars))

	pixels:
		for i := start; i < end; i++ {
			for j, b := range bands {
				if !b.IsValid(i) {
					continue pixels
				}
				params[vars[j]] = b.Data[i]
			}
			res, err := e.Evaluate(params)
			if err != nil {
				return fmt.Errorf("expression %s at pixel %d: %w", name, i, err)
			}
			v, ok := res.(float64)
			if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			out.Data[i] = v
			out.Valid[i] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &models.Raster{Footprint: r.Footprint, Bands: []models.Band{out}}, nil
}
