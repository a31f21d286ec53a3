package fileutil

import "os"

// sameFile implements SameFile: os.Stat + os.SameFile when both paths
// exist, canonical-path string equality otherwise.
func sameFile(base, a, b string) (bool, error) {
	ca, err := CanonicalPath(base, a)
	if err != nil {
		return false, err
	}
	cb, err := CanonicalPath(base, b)
	if err != nil {
		return false, err
	}

	infoA, errA := os.Stat(ca)
	infoB, errB := os.Stat(cb)
	if errA == nil && errB == nil {
		return os.SameFile(infoA, infoB), nil
	}
	return ca == cb, nil
}
