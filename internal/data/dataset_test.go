package data

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadCSV_LabeledData(t *testing.T) {
	path := writeCSV(t, "f1,f2,label,f3\n1.0,2.0,0,3.0\n4.0,5.0,1,6.0\n")

	ds, err := LoadCSV(path, "label")
	require.NoError(t, err)

	assert.Equal(t, []string{"f1", "f2", "f3"}, ds.Columns)
	assert.Equal(t, 2, ds.Rows())
	assert.Equal(t, 3, ds.Features())
	assert.True(t, ds.Labeled())
	assert.Equal(t, []int{0, 1}, ds.Labels)
	assert.Equal(t, 5.0, ds.Raw.At(1, 1))
	assert.Equal(t, 6.0, ds.Raw.At(1, 2), "label column is excised, not zeroed")
}

func TestLoadCSV_UnlabeledWhenColumnAbsent(t *testing.T) {
	path := writeCSV(t, "f1,f2\n1,2\n3,4\n")

	ds, err := LoadCSV(path, "label")
	require.NoError(t, err)
	assert.False(t, ds.Labeled())
	assert.Nil(t, ds.Labels)
	assert.Equal(t, 2, ds.Features())
}

func TestLoadCSV_Rejections(t *testing.T) {
	for name, content := range map[string]string{
		"empty file":     "",
		"no data rows":   "f1,f2\n",
		"ragged row":     "f1,f2\n1,2\n3\n",
		"non-numeric":    "f1,f2\n1,potato\n",
		"bad label":      "f1,label\n1,2\n",
		"label only":     "label\n0\n",
		"dup label col":  "label,f1,label\n0,1,1\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadCSV(writeCSV(t, content), "label")
			require.Error(t, err)
		})
	}

	_, err := LoadCSV(filepath.Join(t.TempDir(), "missing.csv"), "label")
	require.Error(t, err)
}

func TestLoadCSV_ErrorsNameTheRow(t *testing.T) {
	_, err := LoadCSV(writeCSV(t, "f1,f2\n1,2\n1,x\n"), "")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "row 3"), err.Error())
}

func TestBoundsAndNormalize(t *testing.T) {
	ds := &Dataset{
		Columns: []string{"a", "b", "c"},
		Raw: mat.NewDense(3, 3, []float64{
			0, 10, 7,
			5, 20, 7,
			10, 15, 7,
		}),
	}

	mins, maxs := ds.Bounds()
	assert.Equal(t, []float64{0, 10, 7}, mins)
	assert.Equal(t, []float64{10, 20, 7}, maxs)

	norm, err := Normalize(ds.Raw, mins, maxs)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, norm.At(0, 0), 1e-12)
	assert.InDelta(t, 0.5, norm.At(1, 0), 1e-12)
	assert.InDelta(t, 1.0, norm.At(2, 0), 1e-12)
	assert.Equal(t, 0.5, norm.At(0, 2), "constant column maps to 0.5")

	// Prediction data outside the training range escapes [0, 1].
	outside, err := Normalize(mat.NewDense(1, 3, []float64{20, 5, 7}), mins, maxs)
	require.NoError(t, err)
	assert.Greater(t, outside.At(0, 0), 1.0)
	assert.Less(t, outside.At(0, 1), 0.0)

	_, err = Normalize(mat.NewDense(1, 2, nil), mins, maxs)
	require.Error(t, err)
}
