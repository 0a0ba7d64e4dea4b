// Package bval reads b-value files and selects the volumes acquired at a
// given b-value.
package bval

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
)

// Default selection band used for b0 volumes.
const (
	DefaultTarget    = 0.0
	DefaultTolerance = 50.0
)

var ErrInvalidInput = errors.New("invalid b-value input")

// Parse reads whitespace separated b-values. Row and column layouts are both
// accepted.
func Parse(r io.Reader) ([]float64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)

	var values []float64
	for scanner.Scan() {
		tok := scanner.Text()
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: value %d is %q", ErrInvalidInput, len(values), tok)
		}
		values = append(values, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading b-values: %w", err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no b-values found", ErrInvalidInput)
	}
	return values, nil
}

// ReadFile parses the b-value file at path.
func ReadFile(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening b-value file: %w", err)
	}
	defer f.Close()

	values, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return values, nil
}

// Indices returns the ascending positions i where |values[i]-target| <= tol.
func Indices(values []float64, target, tol float64) []int {
	indices := make([]int, 0, len(values))
	for i, v := range values {
		if v >= target-tol && v <= target+tol {
			indices = append(indices, i)
		}
	}
	return indices
}

// Select validates the band before calling Indices.
func Select(values []float64, target, tol float64) ([]int, error) {
	if tol < 0 || math.IsNaN(tol) {
		return nil, fmt.Errorf("%w: tolerance must be non-negative, got %v", ErrInvalidInput, tol)
	}
	if math.IsNaN(target) || math.IsInf(target, 0) {
		return nil, fmt.Errorf("%w: target must be finite, got %v", ErrInvalidInput, target)
	}
	return Indices(values, target, tol), nil
}
