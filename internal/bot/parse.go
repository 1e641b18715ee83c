package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseIDArg extracts a positive numeric ID from a command argument string.
func ParseIDArg(args string) (int64, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return 0, fmt.Errorf("ID is required")
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid ID %q", fields[0])
	}
	return id, nil
}
