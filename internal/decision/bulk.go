package decision

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/cuongbtq/portfolio-workcore/internal/jobs"
)

const bulkSavepoint = "bulk_item"

// ApplyBulkDecision applies the same decision to up to MaxBulkItems domains.
// Targets are classified before the transaction; only eligible ones are
// written, each inside its own savepoint so one bad item cannot sink the
// batch. Partial failure is reported per item, not as an error.
func (s *Service) ApplyBulkDecision(ctx context.Context, ids []string, template Request) (*BulkResult, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil, &ValidationError{Field: "domain_ids", Message: "at least one domain id is required"}
	}
	if len(ids) > s.cfg.MaxBulkItems {
		return nil, &ValidationError{Field: "domain_ids", Message: fmt.Sprintf("at most %d domain ids per request", s.cfg.MaxBulkItems)}
	}
	if err := s.validateInput(template.Decision, template.Reason, template.Actor); err != nil {
		return nil, err
	}
	if template.Options.MaxBid != nil && *template.Options.MaxBid <= 0 {
		return nil, &ValidationError{Field: "max_bid", Message: "must be positive"}
	}

	domains, err := s.store.GetDomains(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load domains: %w", err)
	}

	result := &BulkResult{Items: make([]BulkItem, len(ids))}
	var eligible []int
	for i, id := range ids {
		result.Items[i] = BulkItem{DomainID: id}
		req := template
		req.DomainID = id

		domain, ok := domains[id]
		if !ok {
			result.Items[i].fail(ErrNotFound)
			continue
		}
		if err := checkDomain(domain, req); err != nil {
			result.Items[i].fail(err)
			continue
		}
		eligible = append(eligible, i)
	}

	// rows are locked in id order so overlapping batches cannot deadlock;
	// items keep their request position in the result
	slices.SortFunc(eligible, func(a, b int) int { return strings.Compare(ids[a], ids[b]) })

	var refs []jobs.Ref
	if len(eligible) > 0 {
		err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
			refs = refs[:0]
			for _, i := range eligible {
				item := &result.Items[i]
				req := template
				req.DomainID = item.DomainID

				var out *Outcome
				err := tx.WithSavepoint(ctx, bulkSavepoint, func() error {
					var err error
					out, err = s.applyLocked(ctx, tx, req)
					return err
				})
				if err != nil {
					item.fail(err)
					if !isPolicyError(err) {
						s.logger.Error("Bulk decision item failed",
							slog.String("domain_id", item.DomainID),
							slog.Any("error", err),
						)
					}
					continue
				}

				item.Status = ItemUpdated
				item.JobQueued = out.JobQueued
				item.JobID = out.JobID
				if out.JobQueued {
					refs = append(refs, jobs.Ref{ID: out.JobID, Channel: s.cfg.FollowOnChannel})
				}
			}
			return nil
		})
		if err != nil {
			s.logger.Error("Bulk decision transaction aborted",
				slog.Int("eligible", len(eligible)),
				slog.Any("error", err),
			)
			return nil, fmt.Errorf("%w: %w", ErrTransactionAborted, err)
		}
	}

	for _, item := range result.Items {
		if item.Status == ItemUpdated {
			result.Updated++
		} else {
			result.Failed++
		}
	}

	s.logger.Info("Bulk decision applied",
		slog.String("decision", string(template.Decision)),
		slog.String("actor_id", template.Actor.ID),
		slog.Int("requested", len(ids)),
		slog.Int("updated", result.Updated),
		slog.Int("failed", result.Failed),
		slog.Int("jobs_queued", len(refs)),
	)

	result.Notified = s.notify(ctx, refs)
	return result, nil
}

func (item *BulkItem) fail(err error) {
	item.Status = ItemFailed
	item.ReasonCode = ReasonCode(err)
	if item.ReasonCode == CodeInternal {
		item.Message = "internal error"
		return
	}
	item.Message = err.Error()
}

// uniqueIDs trims, drops empties and de-duplicates while keeping order
func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
