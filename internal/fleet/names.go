package fleet

import (
	"fmt"
	"strconv"
	"strings"
)

// SubTaskName builds the upstream name of a subtask: "{task}_{n}_{m}".
func SubTaskName(taskID, n, m int) string {
	return fmt.Sprintf("%d_%d_%d", taskID, n, m)
}

// TaskIDFromSubTask returns the main task id encoded in the leading
// segment of a subtask name.
func TaskIDFromSubTask(name string) (int, bool) {
	head, _, _ := strings.Cut(name, "_")
	id, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
