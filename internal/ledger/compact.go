package ledger

import "context"

// CompactIDs renumbers transaction ids densely from 1 and resets the id
// sequence. It takes the write side of the compaction gate, so it waits
// for in-flight reconciles and blocks new ones for the duration.
func (s *Service) CompactIDs(ctx context.Context) error {
	s.gate.Lock()
	defer s.gate.Unlock()

	if err := s.store.CompactTransactionIDs(ctx); err != nil {
		return err
	}

	s.auditAppend("compact transaction ids renumbered")
	s.logger.Debug("transaction ids compacted")
	return nil
}
