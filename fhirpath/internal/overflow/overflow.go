// Package overflow provides overflow-checked arithmetic on signed integers.
package overflow

type signed interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64
}

// Add returns a+b and whether the result did not overflow.
func Add[T signed](a, b T) (T, bool) {
	c := a + b
	if (b > 0 && c < a) || (b < 0 && c > a) {
		return 0, false
	}
	return c, true
}

// Sub returns a-b and whether the result did not overflow.
func Sub[T signed](a, b T) (T, bool) {
	c := a - b
	if (b < 0 && c < a) || (b > 0 && c > a) {
		return 0, false
	}
	return c, true
}

// Mul returns a*b and whether the result did not overflow.
func Mul[T signed](a, b T) (T, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	c := a * b
	if c/b != a {
		return 0, false
	}
	return c, true
}

// Div returns a/b and whether the division is defined and does not overflow.
func Div[T signed](a, b T) (T, bool) {
	if b == 0 {
		return 0, false
	}
	c := a / b
	// MinInt / -1 wraps around.
	if a != 0 && c == a && b == -1 {
		return 0, false
	}
	return c, true
}

// Mod returns a%b and whether the operation is defined.
func Mod[T signed](a, b T) (T, bool) {
	if b == 0 {
		return 0, false
	}
	return a % b, true
}
