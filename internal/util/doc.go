// Package util provides small helpers shared by the guard packages: safe
// truncation for log output, composite counter keys and address
// classification for audit details.
package util
