/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/opendatalab/spawner/internal/session"
	"github.com/opendatalab/spawner/internal/store"
	"github.com/opendatalab/spawner/internal/workload"
)

const progressInterval = time.Second

// apiError is the uniform error body. Internals never leak: the message is
// the classified error text, not a stack trace.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorResponse(c echo.Context, err error) error {
	kind := session.Classify(err)
	status := http.StatusInternalServerError
	switch kind {
	case session.KindAdmission:
		status = http.StatusConflict
	case session.KindPrecondition:
		status = http.StatusPreconditionFailed
	case session.KindNotFound:
		status = http.StatusNotFound
	case session.KindCluster:
		status = http.StatusBadGateway
	}
	return c.JSON(status, apiError{Code: string(kind), Message: err.Error()})
}

// startPayload is the start body. Git credentials ride alongside the
// request because the request type itself never serializes them back out.
type startPayload struct {
	workload.Request
	GitUsername string `json:"gitUsername,omitempty"`
	GitPassword string `json:"gitPassword,omitempty"`
	GitEmail    string `json:"gitEmail,omitempty"`
}

func (s *Server) startWorkload(c echo.Context) error {
	var payload startPayload
	if err := c.Bind(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, apiError{Code: "bad_request", Message: err.Error()})
	}
	req := payload.Request
	req.Repo.Username = payload.GitUsername
	req.Repo.Password = payload.GitPassword
	req.Repo.UserEmail = payload.GitEmail

	if _, err := workload.ParseKernelType(string(req.Kernel)); err != nil {
		return c.JSON(http.StatusBadRequest, apiError{Code: "bad_request", Message: err.Error()})
	}
	if req.Identity.UserID == "" || req.Identity.ProjectID == "" || req.TemplateID == "" {
		return c.JSON(http.StatusBadRequest, apiError{
			Code: "bad_request", Message: "templateId, identity.userId and identity.projectId are required",
		})
	}

	if req.Scheduled {
		// scheduled runs block until the job finishes, so they run in the
		// background and the caller tracks the row by id. The pooled echo
		// context must not leak into the goroutine.
		req.ID = session.NewWorkloadID()
		logger := s.echo.Logger
		go func() {
			if _, err := s.orch.Start(context.Background(), &req); err != nil {
				logger.Errorf("scheduled run %s failed: %v", req.ID, err)
			}
		}()
		return c.JSON(http.StatusAccepted, map[string]string{"id": req.ID})
	}

	row, err := s.orch.Start(c.Request().Context(), &req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, row)
}

func (s *Server) stopWorkload(c echo.Context) error {
	if err := s.orch.Stop(c.Request().Context(), c.Param("id"), workload.StopUser); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getWorkload(c echo.Context) error {
	row, err := s.orch.Get(c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, row)
}

func (s *Server) listWorkloads(c echo.Context) error {
	activeOnly := c.QueryParam("active") == "true"
	rows, err := s.orch.List(c.QueryParam("user"), c.QueryParam("project"), activeOnly)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, rows)
}

// streamProgress reports pod startup as server-sent events until the
// workload leaves STARTING or the client disconnects.
func (s *Server) streamProgress(c echo.Context) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	for event := range s.orch.Progress(c.Request().Context(), c.Param("id"), progressInterval) {
		raw, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(resp, "data: %s\n\n", raw); err != nil {
			return nil // client went away
		}
		resp.Flush()
	}
	return nil
}

func (s *Server) teardownNetwork(c echo.Context) error {
	if err := s.orch.TeardownNetwork(c.Request().Context(), c.Param("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) putRepo(c echo.Context) error {
	var repo store.Repo
	if err := c.Bind(&repo); err != nil {
		return c.JSON(http.StatusBadRequest, apiError{Code: "bad_request", Message: err.Error()})
	}
	if repo.ID == "" || repo.ProjectID == "" || repo.Remote == "" {
		return c.JSON(http.StatusBadRequest, apiError{
			Code: "bad_request", Message: "id, projectId and remote are required",
		})
	}
	if err := s.store.PutRepo(&repo); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, repo)
}

func (s *Server) putBranch(c echo.Context) error {
	var branch store.Branch
	if err := c.Bind(&branch); err != nil {
		return c.JSON(http.StatusBadRequest, apiError{Code: "bad_request", Message: err.Error()})
	}
	branch.RepoID = c.Param("id")
	if branch.ID == "" || branch.Name == "" {
		return c.JSON(http.StatusBadRequest, apiError{
			Code: "bad_request", Message: "id and name are required",
		})
	}
	if err := s.store.PutBranch(&branch); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, branch)
}

func (s *Server) listBranches(c echo.Context) error {
	branches, err := s.store.ListBranches(c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, branches)
}

func (s *Server) setActiveBranch(c echo.Context) error {
	var body struct {
		UserID   string `json:"userId"`
		BranchID string `json:"branchId"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, apiError{Code: "bad_request", Message: err.Error()})
	}
	if body.UserID == "" || body.BranchID == "" {
		return c.JSON(http.StatusBadRequest, apiError{
			Code: "bad_request", Message: "userId and branchId are required",
		})
	}
	if err := s.store.SetActiveBranch(c.Param("id"), body.UserID, body.BranchID); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) putImage(c echo.Context) error {
	var img store.Image
	if err := c.Bind(&img); err != nil {
		return c.JSON(http.StatusBadRequest, apiError{Code: "bad_request", Message: err.Error()})
	}
	if img.ID == "" || img.CPUURL == "" {
		return c.JSON(http.StatusBadRequest, apiError{
			Code: "bad_request", Message: "id and cpuUrl are required",
		})
	}
	if err := s.store.PutImage(&img); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, img)
}

// getImage returns the image with its base chain attributes resolved.
func (s *Server) getImage(c echo.Context) error {
	img, err := s.store.ResolveImage(c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, img)
}

func (s *Server) listSnapshots(c echo.Context) error {
	snaps, err := s.store.ListSnapshots(c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, snaps)
}
