package listener

import "os"

// readFileIfExists returns (nil, nil) for a missing file instead of an
// error, matching original_source's "if state_file.exists()" guard.
func readFileIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}
