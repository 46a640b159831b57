package nvs

import "sort"

// Statistics reports partition usage.
type Statistics struct {
	Pages          PageStatistics
	EntriesPerPage []EntryStatistics
	EntriesOverall EntryStatistics
}

// PageStatistics counts pages per lifecycle state.
type PageStatistics struct {
	Empty     uint16
	Active    uint16
	Full      uint16
	Erasing   uint16
	Corrupted uint16
}

// EntryStatistics counts entry slots per bitmap state.
type EntryStatistics struct {
	Empty   uint32
	Written uint32
	Erased  uint32
	Illegal uint32
}

// Statistics aggregates page and entry counts across the whole partition.
// Per-page entries are ordered by sector address for stable output. Corrupt
// pages report all slots as illegal.
func (s *Store) Statistics() (Statistics, error) {
	if s.faulted {
		return Statistics{}, ErrFlashError
	}

	all := make([]*page, 0, len(s.pages)+len(s.freePages))
	all = append(all, s.pages...)
	all = append(all, s.freePages...)
	sort.Slice(all, func(i, j int) bool { return all[i].address < all[j].address })

	var stats Statistics
	stats.EntriesPerPage = make([]EntryStatistics, 0, len(all))

	for _, p := range all {
		switch p.state {
		case pageStateUninitialized:
			stats.Pages.Empty++
		case pageStateActive:
			stats.Pages.Active++
		case pageStateFull:
			stats.Pages.Full++
		case pageStateFreeing:
			stats.Pages.Erasing++
		default:
			stats.Pages.Corrupted++
		}

		var entries EntryStatistics
		if p.state == pageStateCorrupt || p.state == pageStateInvalid {
			entries = EntryStatistics{Illegal: EntriesPerPage}
		} else {
			entries.Empty, entries.Written, entries.Erased, entries.Illegal = p.entryStatistics()
		}
		stats.EntriesPerPage = append(stats.EntriesPerPage, entries)

		stats.EntriesOverall.Empty += entries.Empty
		stats.EntriesOverall.Written += entries.Written
		stats.EntriesOverall.Erased += entries.Erased
		stats.EntriesOverall.Illegal += entries.Illegal
	}

	return stats, nil
}
