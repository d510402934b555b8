package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInference wraps every failure raised while running the model.
var ErrInference = errors.New("classifier error")

type Probability struct {
	Probability float64 `json:"probability"`
}

// MarshalJSON always writes the probability as a decimal, so 1 and 0 come
// out as 1.0 and 0.0.
func (p Probability) MarshalJSON() ([]byte, error) {
	v := p.Probability
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("probability %v is not a finite number", v)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return []byte(`{"probability":` + s + `}`), nil
}

type Prediction struct {
	Predictions []Probability `json:"predictions"`
}

// Positive returns the positive-class probability of the first prediction.
func (p *Prediction) Positive() float64 {
	if p == nil || len(p.Predictions) == 0 {
		return 0
	}
	return p.Predictions[0].Probability
}
