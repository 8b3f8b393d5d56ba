package backoff

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
)

func retrySection(t *testing.T, yml string) *config.Section {
	t.Helper()
	tree, err := config.Parse([]byte(yml))
	require.NoError(t, err)
	return tree.Lookup("retry")
}

func TestBuildNilAlwaysStops(t *testing.T) {
	fn, err := Build(nil)
	require.NoError(t, err)

	rapid.Check(t, func(t *rapid.T) {
		attempts := rapid.IntRange(0, 1<<20).Draw(t, "attempts")
		if d, ok := fn(attempts); ok || d != 0 {
			t.Fatalf("backoff(%d) = %v, %v; want stop", attempts, d, ok)
		}
	})
}

func TestBuildMaximumAndLinearDelay(t *testing.T) {
	fn, err := Build(retrySection(t, "retry:\n  maximum: 3\n  delay: \"x*2\"\n"))
	require.NoError(t, err)

	d, ok := fn(2)
	assert.True(t, ok)
	assert.Equal(t, 4*time.Second, d)

	d, ok = fn(3)
	assert.True(t, ok)
	assert.Equal(t, 6*time.Second, d)

	_, ok = fn(4)
	assert.False(t, ok)
}

func TestBuildDefaults(t *testing.T) {
	fn, err := Build(retrySection(t, "retry:\n  maximum: 2\n"))
	require.NoError(t, err)

	d, ok := fn(1)
	assert.True(t, ok)
	assert.Equal(t, 300*time.Second, d, "delay defaults to 300 seconds")

	_, ok = fn(3)
	assert.False(t, ok)

	fn, err = Build(retrySection(t, "retry:\n  delay: \"60\"\n"))
	require.NoError(t, err)
	_, ok = fn(1)
	assert.False(t, ok, "maximum defaults to 0")
}

func TestBuildEmptySectionStops(t *testing.T) {
	sec := retrySection(t, "retry: {}\n")
	require.NotNil(t, sec)
	fn, err := Build(sec)
	require.NoError(t, err)

	rapid.Check(t, func(t *rapid.T) {
		attempts := rapid.IntRange(0, 1<<20).Draw(t, "attempts")
		if d, ok := fn(attempts); ok || d != 0 {
			t.Fatalf("backoff(%d) = %v, %v; want stop", attempts, d, ok)
		}
	})
}

func TestCompileMathNamespace(t *testing.T) {
	tests := []struct {
		expr string
		x    int
		want float64
	}{
		{"300", 5, 300},
		{"pow(2, x)", 3, 8},
		{"sqrt(x)", 16, 4},
		{"max(10, x * 3)", 5, 15},
		{"min(10, x * 3)", 5, 10},
		{"floor(x / 4)", 7, 1},
		{"ceil(x / 4)", 7, 2},
		{"abs(1 - x)", 5, 4},
		{"log(x, 2)", 8, 3},
		{"log10(x)", 100, 2},
		{"log2(x)", 32, 5},
		{"floor(exp(0) * x)", 9, 9},
		{"x > 3 ? 600 : 60", 4, 600},
		{"x > 3 ? 600 : 60", 2, 60},
		{"floor(tau / pi)", 1, 2},
		{"60 - x * 100", 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			eval, err := Compile(tt.expr)
			require.NoError(t, err)
			got, ok := eval(tt.x)
			require.True(t, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestCompileRejectsOutsideNamespace(t *testing.T) {
	for _, expr := range []string{
		"y * 2",
		"file(\"/etc/passwd\")",
		"upper(\"x\")",
		"[1, 2]",
		"{a = 1}",
		"\"${x}\"",
		"x.y",
		"x *",
		"pow(x)",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := Compile(expr)
			assert.Error(t, err)
		})
	}
}

func TestBuildReportsConfigurationError(t *testing.T) {
	_, err := Build(retrySection(t, "retry:\n  delay: \"os.exit(1)\"\n"))
	require.Error(t, err)

	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "retry", cfgErr.Section)
	assert.Equal(t, "delay", cfgErr.Field)
}

func TestNonFiniteResultStops(t *testing.T) {
	fn, err := Build(retrySection(t, "retry:\n  maximum: 5\n  delay: \"log(x - 1)\"\n"))
	require.NoError(t, err)

	_, ok := fn(1)
	assert.False(t, ok, "log(0) is not finite")

	d, ok := fn(2)
	assert.True(t, ok)
	assert.Equal(t, time.Duration(0), d)
}

func TestOversizedResultStops(t *testing.T) {
	fn, err := Build(retrySection(t, "retry:\n  maximum: 100\n  delay: \"pow(10, x)\"\n"))
	require.NoError(t, err)

	_, ok := fn(3)
	assert.True(t, ok)
	_, ok = fn(50)
	assert.False(t, ok)
}

// The function is pure: repeated and concurrent calls agree.
func TestBackoffIsPureProperty(t *testing.T) {
	fn, err := Build(retrySection(t, "retry:\n  maximum: 20\n  delay: \"60 * pow(2, x)\"\n"))
	require.NoError(t, err)

	rapid.Check(t, func(t *rapid.T) {
		attempts := rapid.IntRange(0, 40).Draw(t, "attempts")
		want, wantOK := fn(attempts)

		var wg sync.WaitGroup
		results := make([]time.Duration, 8)
		oks := make([]bool, 8)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], oks[i] = fn(attempts)
			}()
		}
		wg.Wait()
		for i := range results {
			if results[i] != want || oks[i] != wantOK {
				t.Fatalf("call %d: got %v/%v, want %v/%v", i, results[i], oks[i], want, wantOK)
			}
		}
		if wantOK != (attempts <= 20) {
			t.Fatalf("attempts %d: ok=%v", attempts, wantOK)
		}
	})
}
