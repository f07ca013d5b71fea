package shared

import "fmt"

// LeaseKey builds redis keys for cluster-wide job leases.
func LeaseKey(job string) string {
	return fmt.Sprintf("rental:lease:%s", job)
}
