package bench

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// functionSpec pairs a test function with its conventional box bounds.
type functionSpec struct {
	low, high float64
	fn        func(x []float64) float64
}

// functions holds the classical continuous suite. Bounds follow the usual
// benchmark conventions; every function has its global minimum inside the
// box.
var functions = map[string]functionSpec{
	"sphere":          {-5.12, 5.12, sphere},
	"rosenbrock":      {-5, 10, rosenbrock},
	"rastrigin":       {-5.12, 5.12, rastrigin},
	"ackley":          {-32.768, 32.768, ackley},
	"griewank":        {-600, 600, griewank},
	"schwefel":        {-500, 500, schwefel},
	"levy":            {-10, 10, levy},
	"styblinski-tang": {-5, 5, styblinskiTang},
}

func sphere(x []float64) float64 { return floats.Dot(x, x) }

func rosenbrock(x []float64) float64 {
	sum := 0.0
	for i := 0; i+1 < len(x); i++ {
		a := x[i+1] - x[i]*x[i]
		b := 1 - x[i]
		sum += 100*a*a + b*b
	}
	return sum
}

func rastrigin(x []float64) float64 {
	sum := 10 * float64(len(x))
	for _, v := range x {
		sum += v*v - 10*math.Cos(2*math.Pi*v)
	}
	return sum
}

func ackley(x []float64) float64 {
	d := float64(len(x))
	sumSq, sumCos := 0.0, 0.0
	for _, v := range x {
		sumSq += v * v
		sumCos += math.Cos(2 * math.Pi * v)
	}
	return -20*math.Exp(-0.2*math.Sqrt(sumSq/d)) - math.Exp(sumCos/d) + 20 + math.E
}

func griewank(x []float64) float64 {
	sum, prod := 0.0, 1.0
	for i, v := range x {
		sum += v * v / 4000
		prod *= math.Cos(v / math.Sqrt(float64(i+1)))
	}
	return sum - prod + 1
}

func schwefel(x []float64) float64 {
	sum := 418.9829 * float64(len(x))
	for _, v := range x {
		sum -= v * math.Sin(math.Sqrt(math.Abs(v)))
	}
	return sum
}

func levy(x []float64) float64 {
	w := func(v float64) float64 { return 1 + (v-1)/4 }
	first := math.Sin(math.Pi * w(x[0]))
	sum := first * first
	for i := 0; i+1 < len(x); i++ {
		wi := w(x[i])
		s := math.Sin(math.Pi*wi + 1)
		sum += (wi - 1) * (wi - 1) * (1 + 10*s*s)
	}
	wd := w(x[len(x)-1])
	s := math.Sin(2 * math.Pi * wd)
	return sum + (wd-1)*(wd-1)*(1+s*s)
}

func styblinskiTang(x []float64) float64 {
	sum := 0.0
	for _, v := range x {
		sum += v*v*v*v - 16*v*v + 5*v
	}
	return sum / 2
}
