package store

import (
	"encoding/json"
	"fmt"

	"github.com/distribution/reference"
	bolt "go.etcd.io/bbolt"
)

// Image is a docker image row. Custom images reference a base image through
// BaseID and inherit whatever attributes they leave empty; ResolveImage
// walks that chain.
type Image struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	CPUURL string `json:"cpuUrl"`
	GPUURL string `json:"gpuUrl,omitempty"`
	BaseID string `json:"baseId,omitempty"`

	// Extra attributes resolved through the base chain.
	Port       int32    `json:"port,omitempty"`
	Command    []string `json:"command,omitempty"`
	Args       []string `json:"args,omitempty"`
	BaseURLEnv string   `json:"baseUrlEnv,omitempty"`
	RunAsUser  int64    `json:"runAsUser,omitempty"`
	RunAsGroup int64    `json:"runAsGroup,omitempty"`
}

// PutImage inserts or replaces an image row. Non-empty image URLs must be
// well-formed docker references.
func (s *Store) PutImage(img *Image) error {
	for _, url := range []string{img.CPUURL, img.GPUURL} {
		if url == "" {
			continue
		}
		if _, err := reference.ParseDockerRef(url); err != nil {
			return fmt.Errorf("image %s: %w", img.ID, err)
		}
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(img)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketImages).Put([]byte(img.ID), raw)
	})
}

// ResolveImage returns the image with attributes filled in from its base
// chain: any attribute a custom image does not set is taken from the
// closest ancestor that does. The chain is bounded to guard against cycles.
func (s *Store) ResolveImage(id string) (*Image, error) {
	var resolved *Image
	err := s.db.View(func(tx *bolt.Tx) error {
		images := tx.Bucket(bucketImages)
		img, err := getImage(images, id)
		if err != nil {
			return err
		}
		resolved = img
		current := img
		for depth := 0; current.BaseID != "" && depth < 10; depth++ {
			base, err := getImage(images, current.BaseID)
			if err != nil {
				return fmt.Errorf("base image %s of %s: %w", current.BaseID, id, err)
			}
			inherit(resolved, base)
			current = base
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

func getImage(images *bolt.Bucket, id string) (*Image, error) {
	raw := images.Get([]byte(id))
	if raw == nil {
		return nil, fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	var img Image
	if err := json.Unmarshal(raw, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

func inherit(img, base *Image) {
	if img.Port == 0 {
		img.Port = base.Port
	}
	if len(img.Command) == 0 {
		img.Command = base.Command
	}
	if len(img.Args) == 0 {
		img.Args = base.Args
	}
	if img.BaseURLEnv == "" {
		img.BaseURLEnv = base.BaseURLEnv
	}
	if img.RunAsUser == 0 {
		img.RunAsUser = base.RunAsUser
	}
	if img.RunAsGroup == 0 {
		img.RunAsGroup = base.RunAsGroup
	}
	if img.GPUURL == "" {
		img.GPUURL = base.GPUURL
	}
}
