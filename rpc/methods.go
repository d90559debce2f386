package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/xenops/types"
	"github.com/projecteru2/xenops/vm"
)

var errBootDisabled = errors.New("boot is not configured")

type domainParams struct {
	DomID *uint32 `json:"dom_id"`
}

type shutdownParams struct {
	DomID  *uint32 `json:"dom_id"`
	Reason string  `json:"reason"`
}

type createParams struct {
	ImagePath string `json:"image_path"`
}

type bootParams struct {
	DomID     *uint32 `json:"dom_id"`
	ImagePath string  `json:"image_path"`
}

// decode unmarshals an object into v. Unknown fields are ignored and absent
// params decode as the zero value.
func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams(err)
	}
	return nil
}

func domainID(p *uint32) (types.DomainID, error) {
	if p == nil {
		return 0, invalidParams(errors.New("missing field `dom_id`"))
	}
	return types.DomainID(*p), nil
}

func (s *Server) domainList(ctx context.Context, _ json.RawMessage) (any, error) {
	// Concurrent list requests share one enumeration, detached from the
	// caller that started it.
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.listGroup.Do("list", func() (any, error) {
		return vm.List(shared, s.hv, s.store)
	})
	return v, err
}

func (s *Server) pause(ctx context.Context, raw json.RawMessage) (any, error) {
	var p domainParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	id, err := domainID(p.DomID)
	if err != nil {
		return nil, err
	}
	if err := s.hv.Pause(ctx, id); err != nil {
		return nil, err
	}
	return "success", nil
}

func (s *Server) unpause(ctx context.Context, raw json.RawMessage) (any, error) {
	var p domainParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	id, err := domainID(p.DomID)
	if err != nil {
		return nil, err
	}
	if err := s.hv.Unpause(ctx, id); err != nil {
		return nil, err
	}
	return "success", nil
}

func (s *Server) shutdown(ctx context.Context, raw json.RawMessage) (any, error) {
	var p shutdownParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	id, err := domainID(p.DomID)
	if err != nil {
		return nil, err
	}
	reason := types.ShutdownPowerOff
	if p.Reason != "" {
		if reason, err = types.ParseShutdownReason(p.Reason); err != nil {
			return nil, invalidParams(err)
		}
	}
	if err := vm.ShutdownWithRetry(ctx, s.store, id, reason, s.retries); err != nil {
		return nil, err
	}
	return "success", nil
}

// create makes a paused domain and returns its id. With image_path it
// also boots it; a failed boot leaves the domain in place and reports the
// boot error.
func (s *Server) create(ctx context.Context, raw json.RawMessage) (any, error) {
	var p createParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.ImagePath != "" && s.boot == nil {
		return nil, errBootDisabled
	}
	id, err := s.hv.CreateDomain(ctx)
	if err != nil {
		return nil, err
	}
	log.WithFunc("rpc.create").Infof(ctx, "created domain %d", id)
	if p.ImagePath == "" {
		return id, nil
	}
	if _, err := s.start(ctx, id, p.ImagePath); err != nil {
		return nil, err
	}
	return id, nil
}

func (s *Server) bootDomain(ctx context.Context, raw json.RawMessage) (any, error) {
	var p bootParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	id, err := domainID(p.DomID)
	if err != nil {
		return nil, err
	}
	if p.ImagePath == "" {
		return nil, invalidParams(errors.New("missing field `image_path`"))
	}
	if s.boot == nil {
		return nil, errBootDisabled
	}
	return s.start(ctx, id, p.ImagePath)
}

func (s *Server) name(ctx context.Context, raw json.RawMessage) (any, error) {
	var p domainParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	id, err := domainID(p.DomID)
	if err != nil {
		return nil, err
	}
	return vm.Name(ctx, s.store, id)
}

// start boots id and publishes the image it came from. Publishing is best
// effort: the domain is already running.
func (s *Server) start(ctx context.Context, id types.DomainID, imagePath string) (any, error) {
	res, err := s.boot.Boot(ctx, id, imagePath)
	if err != nil {
		return nil, err
	}
	if err := vm.PublishImage(ctx, s.store, id, imagePath, res.ImageDigest); err != nil {
		log.WithFunc("rpc.start").Warnf(ctx, "publish image of domain %d: %v", id, err)
	}
	return res, nil
}
