// Package validation provides validation helpers for control plane entities.
package validation

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/stratushq/stratus/internal/domain"
)

const (
	portMin = 1
	portMax = 65535
)

// ValidatePort checks that a port is within the valid TCP/UDP range.
func ValidatePort(port int) error {
	if port < portMin || port > portMax {
		return NewValidationError("port", strconv.Itoa(port),
			fmt.Sprintf("must be between %d and %d", portMin, portMax))
	}
	return nil
}

// ValidateIP checks that the string parses as an IP address.
func ValidateIP(ip string) error {
	if net.ParseIP(ip) == nil {
		return NewValidationError("ip", ip, "not a valid ip address")
	}
	return nil
}

// ParsePortSpec parses a port specification: either a single port ("25565")
// or an inclusive range ("25565-25570"). The expanded list is returned in
// ascending order. Malformed specs and inverted ranges return
// domain.ErrInvalidInput.
func ParsePortSpec(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("%w: empty port spec", domain.ErrInvalidInput)
	}

	start, end, isRange := strings.Cut(spec, "-")
	first, err := strconv.Atoi(strings.TrimSpace(start))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed port %q", domain.ErrInvalidInput, spec)
	}
	last := first
	if isRange {
		last, err = strconv.Atoi(strings.TrimSpace(end))
		if err != nil {
			return nil, fmt.Errorf("%w: malformed port range %q", domain.ErrInvalidInput, spec)
		}
	}

	if first > last {
		return nil, fmt.Errorf("%w: inverted port range %q", domain.ErrInvalidInput, spec)
	}
	if err := ValidatePort(first); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := ValidatePort(last); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	ports := make([]int, 0, last-first+1)
	for p := first; p <= last; p++ {
		ports = append(ports, p)
	}
	return ports, nil
}

// ValidateName checks a resource display name: non-empty, printable, and
// within a sane length.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return NewValidationError("name", name, "must not be empty")
	}
	if len(name) > 191 {
		return NewValidationError("name", name, "must be at most 191 characters")
	}
	return nil
}
