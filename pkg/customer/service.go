// Package customer manages customer records behind the customer aggregate
// lock, with an email lookup cache.
package customer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"storefront/pkg/cache"
	"storefront/pkg/lock"
	"storefront/pkg/logger"
)

// Service serialises customer writes through guard. The email cache is only
// written while the guard is held.
type Service struct {
	repo   Repository
	guard  lock.Guard
	emails *cache.TTL[string, Customer]
	log    *logger.Logger
}

// NewService returns a customer service. The caller owns the cache's sweep loop.
func NewService(repo Repository, guard lock.Guard, emails *cache.TTL[string, Customer], log *logger.Logger) *Service {
	return &Service{repo: repo, guard: guard, emails: emails, log: log}
}

func (s *Service) byEmail(ctx context.Context, email string) (Customer, bool, error) {
	found, err := s.repo.Find(ctx, Filter{Email: email})
	if err != nil || len(found) == 0 {
		return Customer{}, false, err
	}
	return found[0], true, nil
}

// Create registers c. A second customer with the same email fails with
// ErrAlreadyExists. The check and insert hold the email's lock, so racing
// creates for one address serialise whatever the guard's striping.
func (s *Service) Create(ctx context.Context, c Customer) (Customer, error) {
	if c.FirstName == "" || c.Email == "" {
		return Customer{}, ErrInvalid
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	var created Customer
	err := s.guard.WithWrite(c.Email, func() error {
		_, exists, err := s.byEmail(ctx, c.Email)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, c.Email)
		}
		if created, err = s.repo.Create(ctx, c); err != nil {
			return err
		}
		s.emails.Put(created.Email, created)
		return nil
	})
	if err != nil {
		return Customer{}, err
	}
	s.log.Info(ctx, "customer created", "customer_id", created.ID)
	return created, nil
}

// Get returns the customer with id.
func (s *Service) Get(ctx context.Context, id string) (Customer, error) {
	var c Customer
	err := s.guard.WithRead(id, func() error {
		var err error
		c, err = s.repo.Get(ctx, id)
		return err
	})
	return c, err
}

// GetByEmail returns the customer registered under email, from cache when possible.
func (s *Service) GetByEmail(ctx context.Context, email string) (Customer, error) {
	if c, ok := s.emails.Get(email); ok {
		return c, nil
	}
	var c Customer
	err := s.guard.WithRead(email, func() error {
		found, ok, err := s.byEmail(ctx, email)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		c = found
		s.emails.Put(email, found)
		return nil
	})
	return c, err
}

// List returns every customer.
func (s *Service) List(ctx context.Context) ([]Customer, error) {
	return s.find(ctx, Filter{})
}

// Search returns customers whose first or last name contains term.
func (s *Service) Search(ctx context.Context, term string) ([]Customer, error) {
	return s.find(ctx, Filter{Name: term})
}

func (s *Service) find(ctx context.Context, f Filter) ([]Customer, error) {
	var out []Customer
	err := s.guard.WithRead("", func() error {
		var err error
		out, err = s.repo.Find(ctx, f)
		return err
	})
	return out, err
}

// Update replaces the editable fields of customer id with those of c. It holds
// the id's lock; an email claimed concurrently under another lock is caught by
// the repository's uniqueness check.
func (s *Service) Update(ctx context.Context, id string, c Customer) (Customer, error) {
	if c.FirstName == "" || c.Email == "" {
		return Customer{}, ErrInvalid
	}
	var saved Customer
	err := s.guard.WithWrite(id, func() error {
		cur, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if c.Email != cur.Email {
			other, taken, err := s.byEmail(ctx, c.Email)
			if err != nil {
				return err
			}
			if taken && other.ID != id {
				return fmt.Errorf("%w: %s", ErrAlreadyExists, c.Email)
			}
			s.emails.Remove(cur.Email)
		}
		cur.FirstName, cur.LastName, cur.Email, cur.Address = c.FirstName, c.LastName, c.Email, c.Address
		if saved, err = s.repo.Update(ctx, cur); err != nil {
			return err
		}
		s.emails.Put(saved.Email, saved)
		return nil
	})
	return saved, err
}

// Delete removes customer id and its cached email entry.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.guard.WithWrite(id, func() error {
		cur, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := s.repo.Delete(ctx, id); err != nil {
			return err
		}
		s.emails.Remove(cur.Email)
		return nil
	})
}
