// SPDX-License-Identifier: ice License 1.0

package model

func Match(filters Filters, event *Event) bool {
	for _, filter := range filters {
		if filter.Matches(&event.Event) {
			return true
		}
	}

	return false
}
