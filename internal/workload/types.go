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

package workload

import (
	"fmt"
	"time"
)

// KernelType is the runtime flavor of a workload. It determines the container
// template, the volume set and the package install commands that are generated
// for the workload. Every kernel type maps to exactly one strategy; code that
// switches on a KernelType must handle all of them and reject anything else.
type KernelType string

const (
	Python           KernelType = "python"
	R                KernelType = "r"
	RStudio          KernelType = "rstudio"
	Spark            KernelType = "spark"
	SparkDistributed KernelType = "spark_distributed"
	SAS              KernelType = "sas"
	VSCodePython     KernelType = "vscode_python"
	JDK11            KernelType = "jdk11"
)

// KernelTypes lists every supported kernel type.
var KernelTypes = []KernelType{
	Python, R, RStudio, Spark, SparkDistributed, SAS, VSCodePython, JDK11,
}

// ParseKernelType validates a user supplied kernel type string.
func ParseKernelType(s string) (KernelType, error) {
	for _, kt := range KernelTypes {
		if string(kt) == s {
			return kt, nil
		}
	}
	return "", fmt.Errorf("unknown kernel type %q", s)
}

// UsesPython reports whether the kernel installs python packages into the
// NAS-cached venv and needs PYTHONPATH pointed at it.
func (k KernelType) UsesPython() bool {
	switch k {
	case Python, Spark, SparkDistributed, VSCodePython:
		return true
	case R, RStudio, SAS, JDK11:
		return false
	}
	return false
}

// UsesR reports whether the kernel installs CRAN packages and needs
// R_PACKAGE_DIR set.
func (k KernelType) UsesR() bool {
	return k == R || k == RStudio
}

// GPUVendor selects the extended resource name used for accelerator
// requests and limits.
type GPUVendor string

const (
	Nvidia GPUVendor = "nvidia.com/gpu"
	AMD    GPUVendor = "amd.com/gpu"
)

// ResourceTier is the nominal compute size of a workload. CPU and memory
// requests are computed as configured percentages of these nominal values;
// GPUs pass through as raw accelerator counts.
type ResourceTier struct {
	// Nominal CPU in cores, e.g. "2" or "500m".
	CPU string `json:"cpu"`
	// Nominal memory, e.g. "4Gi".
	Memory string `json:"memory"`
	// Number of accelerators, zero for CPU-only tiers.
	GPU int64 `json:"gpu,omitempty"`
	// Which accelerator resource key to use when GPU > 0.
	GPUVendor GPUVendor `json:"gpuVendor,omitempty"`
}

func (t ResourceTier) IsGPU() bool { return t.GPU > 0 }

// ImageRef points at the docker image to run, with separate URLs for CPU and
// GPU nodes. ID refers to the bookkeeping row for the image so base/custom
// attribute chains can be resolved.
type ImageRef struct {
	ID     string `json:"id"`
	CPUURL string `json:"cpuUrl"`
	GPUURL string `json:"gpuUrl,omitempty"`
}

// URL picks the image URL matching the resource tier.
func (i ImageRef) URL(tier ResourceTier) string {
	if tier.IsGPU() && i.GPUURL != "" {
		return i.GPUURL
	}
	return i.CPUURL
}

// GitRepoRef describes the primary project repository cloned into the
// workload by the init container.
type GitRepoRef struct {
	RepoID string `json:"repoId"`
	Name   string `json:"name"`
	// The HTTP remote. Credentials are embedded into the URL by the command
	// composer, never stored here.
	Remote string `json:"remote"`
	Branch string `json:"branch"`
	// Subtree of the repository seeded into the working notebook directory.
	BaseFolder string `json:"baseFolder,omitempty"`
	Username   string `json:"-"`
	Password   string `json:"-"`
	UserEmail  string `json:"-"`
}

// GitMacro is an auxiliary side-repository cloned next to the primary repo.
// Macro clone failures never block workload start.
type GitMacro struct {
	Name      string `json:"name"`
	Remote    string `json:"remote"`
	OutputDir string `json:"outputDir"`
	HTTPProxy string `json:"httpProxy,omitempty"`
}

// Packages are the language package lists requested for the workload.
type Packages struct {
	Pip   []PackageSpec `json:"pip,omitempty"`
	Conda []PackageSpec `json:"conda,omitempty"`
	Cran  []PackageSpec `json:"cran,omitempty"`
}

// PackageSpec is a single name==version requirement. Version may be empty
// for "latest".
type PackageSpec struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

func (p PackageSpec) String() string {
	if p.Version == "" {
		return p.Name
	}
	return p.Name + "==" + p.Version
}

// SnapshotRef binds a named, versioned directory under the project data
// bucket as workload input or output.
type SnapshotRef struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Path    string `json:"path"`
}

// Identity is who the workload runs for.
type Identity struct {
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId"`
	// UID/GID used when user impersonation is enabled.
	UID int64 `json:"uid,omitempty"`
	GID int64 `json:"gid,omitempty"`
	// Supplemental groups added to the pod security context.
	Groups []int64 `json:"groups,omitempty"`
}

// Request is the full, ephemeral description of one workload start call. It
// is assembled by the HTTP layer and consumed by the quota gate, the command
// composer and the manifest builder.
type Request struct {
	// ID is assigned by the orchestrator before any cluster call and names
	// every cluster object created for this workload.
	ID         string       `json:"id"`
	TemplateID string       `json:"templateId"`
	Kernel     KernelType   `json:"kernel"`
	Image      ImageRef     `json:"image"`
	Tier       ResourceTier `json:"tier"`
	Identity   Identity     `json:"identity"`

	Repo   GitRepoRef `json:"repo"`
	Macros []GitMacro `json:"macros,omitempty"`

	Packages   Packages `json:"packages,omitempty"`
	InitScript string   `json:"initScript,omitempty"`

	Input  *SnapshotRef `json:"input,omitempty"`
	Output *SnapshotRef `json:"output,omitempty"`

	Env map[string]string `json:"env,omitempty"`

	// Scheduled marks batch template executions, which run as Jobs and are
	// reaped when the Job finishes; interactive sessions run as bare Pods.
	Scheduled bool `json:"scheduled,omitempty"`

	// BYOC marks user supplied images, which skip base image attribute
	// resolution and the in-module cloner sidecar.
	BYOC bool `json:"byoc,omitempty"`

	// ReadOnlyData is set by the quota gate when the project storage
	// allocation is exhausted. Data mounts degrade to read-only, the
	// workload still starts.
	ReadOnlyData bool `json:"-"`
}

// Key identifies the concurrency unit for admission: at most one
// non-terminal workload may exist per key.
func (r *Request) Key() string {
	return r.TemplateID + "/" + r.Identity.UserID + "/" + r.Identity.ProjectID
}

// State is the lifecycle state of a workload row.
type State string

const (
	// Starting rows exist before any cluster object is created.
	Starting State = "STARTING"
	// Running rows have a confirmed pod behind them.
	Running State = "RUNNING"
	// Stopping is terminal: graceful stop, cull or rollback from failure.
	Stopping State = "STOPPING"
)

// NonTerminal reports whether the state still counts against admission.
func (s State) NonTerminal() bool { return s == Starting || s == Running }

// StopReason records why a row went to STOPPING, so audit can tell a
// rollback apart from a user stop.
type StopReason string

const (
	StopUser     StopReason = "user"
	StopCulled   StopReason = "culled"
	StopRollback StopReason = "rollback"
	StopFinished StopReason = "finished"
)

// Row is the persisted bookkeeping record for one workload, the Go shape of
// the nb_template_status / nb_notebook_pod tables.
type Row struct {
	ID         string     `json:"id"`
	TemplateID string     `json:"templateId"`
	ProjectID  string     `json:"projectId"`
	CreatedBy  string     `json:"createdBy"`
	Kernel     KernelType `json:"kernel"`
	State      State      `json:"state"`
	StopReason StopReason `json:"stopReason,omitempty"`

	PodName    string `json:"podName,omitempty"`
	RepoID     string `json:"repoId,omitempty"`
	RepoName   string `json:"repoName,omitempty"`
	BranchName string `json:"branchName,omitempty"`

	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`

	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate,omitempty"`
}

// Key mirrors Request.Key for persisted rows.
func (r *Row) Key() string {
	return r.TemplateID + "/" + r.CreatedBy + "/" + r.ProjectID
}
