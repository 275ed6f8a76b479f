package canonical

import (
	"io"
	"math"
	"strings"
)

func bytesReader(s string) io.Reader { return strings.NewReader(s) }

func nanValue() float64 { return math.NaN() }
