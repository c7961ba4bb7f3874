package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/ticket-collab/internal/domain"
)

// DefaultListLimit caps a read-model list query.
const DefaultListLimit = 200

// TicketRepository reads tickets from the Postgres read model.
type TicketRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	ListWithFilter(ctx context.Context, filter domain.Filter, now time.Time, limit int) ([]domain.Ticket, error)
}

type ticketRepository struct {
	pool *pgxpool.Pool
}

// NewTicketRepository instantiates repository.
func NewTicketRepository(pool *pgxpool.Pool) TicketRepository {
	return &ticketRepository{pool: pool}
}

const ticketColumns = `id, subject, status, priority, category, assigned_agent_id,
               tags, notes, sla_due_at, created_at, updated_at`

func (r *ticketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1`
	ticket, err := scanTicket(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (r *ticketRepository) ListWithFilter(ctx context.Context, filter domain.Filter, now time.Time, limit int) ([]domain.Ticket, error) {
	query, args := buildListQuery(filter, now, limit)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ticket)
	}
	return result, rows.Err()
}

// buildListQuery renders filter as a parameterized SELECT ordered newest
// first.
func buildListQuery(filter domain.Filter, now time.Time, limit int) (string, []any) {
	clauses := []string{"1=1"}
	args := []any{}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			args = append(args, string(status))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(filter.Priorities) > 0 {
		placeholders := make([]string, len(filter.Priorities))
		for i, pr := range filter.Priorities {
			args = append(args, string(pr))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("priority IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(filter.AgentIDs) > 0 {
		args = append(args, filter.AgentIDs)
		clauses = append(clauses, fmt.Sprintf("assigned_agent_id = ANY($%d)", len(args)))
	}
	if tags := lowerNonEmpty(filter.Tags); len(tags) > 0 {
		args = append(args, tags)
		clauses = append(clauses, fmt.Sprintf("ARRAY(SELECT LOWER(tag) FROM unnest(tags) AS tag) @> $%d::text[]", len(args)))
	}
	if filter.CreatedFrom != nil {
		args = append(args, *filter.CreatedFrom)
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.CreatedTo != nil {
		args = append(args, *filter.CreatedTo)
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	if filter.SLAOverdue {
		args = append(args, now)
		clauses = append(clauses, fmt.Sprintf("(sla_due_at < $%d AND status <> 'done')", len(args)))
	}
	if term := filter.SearchTerm(); term != "" {
		args = append(args, "%"+term+"%")
		placeholder := fmt.Sprintf("$%d", len(args))
		clauses = append(clauses, fmt.Sprintf("(LOWER(subject) LIKE %s OR LOWER(category) LIKE %s OR LOWER(id::text) LIKE %s)",
			placeholder, placeholder, placeholder))
	}

	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := fmt.Sprintf(`SELECT %s FROM tickets WHERE %s ORDER BY created_at DESC, id DESC LIMIT %d`,
		ticketColumns, strings.Join(clauses, " AND "), limit)
	return query, args
}

func scanTicket(row pgx.Row) (domain.Ticket, error) {
	var ticket domain.Ticket
	var status, priority string
	if err := row.Scan(
		&ticket.ID,
		&ticket.Subject,
		&status,
		&priority,
		&ticket.Category,
		&ticket.AssignedAgentID,
		&ticket.Tags,
		&ticket.Notes,
		&ticket.SLADueAt,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
	); err != nil {
		return domain.Ticket{}, err
	}
	ticket.Status = domain.TicketStatus(status)
	ticket.Priority = domain.TicketPriority(priority)
	return ticket, nil
}

// lowerNonEmpty folds tags the way Ticket.HasTag compares them.
func lowerNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}
