package config

import "os"

func osFileMode(perm int) os.FileMode {
	return os.FileMode(perm)
}
