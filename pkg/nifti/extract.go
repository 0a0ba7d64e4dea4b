package nifti

import (
	"fmt"

	"b0masks/pkg/fname"
)

// VolumePath names the file that ExtractVolume writes for index ix.
func VolumePath(in string, ix int, outDir string) string {
	return fname.PreSuffix(in, "", fmt.Sprintf("_b0_%d", ix), outDir)
}

// ExtractVolume writes volume ix of the 4D image at in to its own file and
// returns the new path. The input file is left untouched.
func ExtractVolume(in string, ix int, outDir string) (string, error) {
	img, err := Load(in)
	if err != nil {
		return "", err
	}
	vol, err := img.Volume(ix)
	if err != nil {
		return "", fmt.Errorf("%s: %w", in, err)
	}

	out := VolumePath(in, ix, outDir)
	if err := vol.Save(out); err != nil {
		return "", err
	}
	return out, nil
}
