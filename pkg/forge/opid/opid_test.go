package opid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintArgumentsDeterministicForMaps(t *testing.T) {
	a := map[string]int{"alpha": 1, "beta": 2, "gamma": 3, "delta": 4, "epsilon": 5}
	b := map[string]int{"epsilon": 5, "delta": 4, "gamma": 3, "beta": 2, "alpha": 1}

	var first, second string
	for i := 0; i < 10; i++ {
		fingerprint, err := FingerprintArguments(a)
		require.NoError(t, err)
		if i == 0 {
			first = fingerprint.String()
		} else {
			require.Equal(t, first, fingerprint.String())
		}
	}

	fingerprint, err := FingerprintArguments(b)
	require.NoError(t, err)
	second = fingerprint.String()
	require.Equal(t, first, second, "maps with identical contents but different insertion order must fingerprint identically")
}

func TestFingerprintArgumentsDistinguishesDifferentMaps(t *testing.T) {
	a, err := FingerprintArguments(map[string]int{"alpha": 1})
	require.NoError(t, err)
	b, err := FingerprintArguments(map[string]int{"alpha": 2})
	require.NoError(t, err)
	require.NotEqual(t, a.String(), b.String())
}

func TestFingerprintArgumentsStableForNestedMaps(t *testing.T) {
	type nested struct {
		Tags map[string]string
		Name string
	}
	a := nested{Name: "widget", Tags: map[string]string{"color": "red", "size": "large"}}
	b := nested{Name: "widget", Tags: map[string]string{"size": "large", "color": "red"}}

	first, err := FingerprintArguments(a)
	require.NoError(t, err)
	second, err := FingerprintArguments(b)
	require.NoError(t, err)
	require.Equal(t, first.String(), second.String())
}

func TestIDStringIncludesOutputPathOnlyForBuildFile(t *testing.T) {
	fingerprint, err := FingerprintArguments("x")
	require.NoError(t, err)

	build := New(KindBuild, "compile", 0, fingerprint)
	require.NotContains(t, build.String(), "->")

	buildFile := NewBuildFile("compile", 0, fingerprint, "out/a.o")
	require.Contains(t, buildFile.String(), "->out/a.o")
}
