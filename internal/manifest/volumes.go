package manifest

import (
	"fmt"

	v1 "k8s.io/api/core/v1"

	"github.com/opendatalab/spawner/internal/workload"
)

const (
	codeVolume = "code"
	tmpVolume  = "tmp"
	dataVolume = "project-data"
)

// volumes returns the pod volume set: ephemeral code and tmp volumes, the
// per-project PVC and one ephemeral volume per distinct git macro output
// directory.
func (b *Builder) volumes(req *workload.Request) []v1.Volume {
	vols := []v1.Volume{
		{Name: codeVolume, VolumeSource: v1.VolumeSource{EmptyDir: &v1.EmptyDirVolumeSource{}}},
		{Name: tmpVolume, VolumeSource: v1.VolumeSource{EmptyDir: &v1.EmptyDirVolumeSource{}}},
		{
			Name: dataVolume,
			VolumeSource: v1.VolumeSource{
				PersistentVolumeClaim: &v1.PersistentVolumeClaimVolumeSource{
					ClaimName: pvcName(req.Identity.ProjectID),
				},
			},
		},
	}
	for _, name := range macroVolumeNames(req.Macros) {
		vols = append(vols, v1.Volume{
			Name:         name,
			VolumeSource: v1.VolumeSource{EmptyDir: &v1.EmptyDirVolumeSource{}},
		})
	}
	return vols
}

// macroVolumeNames returns one volume name per distinct declared macro
// output directory, in declaration order.
func macroVolumeNames(macros []workload.GitMacro) []string {
	seen := map[string]bool{}
	names := []string{}
	for i, m := range macros {
		if seen[m.OutputDir] {
			continue
		}
		seen[m.OutputDir] = true
		names = append(names, fmt.Sprintf("macro-%d", i))
	}
	return names
}

// macroMounts pairs macroVolumeNames with their mount paths.
func macroMounts(macros []workload.GitMacro) []v1.VolumeMount {
	seen := map[string]bool{}
	mounts := []v1.VolumeMount{}
	for i, m := range macros {
		if seen[m.OutputDir] {
			continue
		}
		seen[m.OutputDir] = true
		mounts = append(mounts, v1.VolumeMount{
			Name:      fmt.Sprintf("macro-%d", i),
			MountPath: m.OutputDir,
		})
	}
	return mounts
}

// dataMounts slices the project PVC by subPath into the well known workload
// paths. When the quota gate flagged the project as over its storage
// allocation the data and output mounts degrade to read-only instead of
// blocking the start.
func (b *Builder) dataMounts(req *workload.Request) []v1.VolumeMount {
	ro := req.ReadOnlyData
	mounts := []v1.VolumeMount{
		{Name: dataVolume, MountPath: "/data", SubPath: "data", ReadOnly: ro},
		{
			Name:      dataVolume,
			MountPath: fmt.Sprintf("/log/%s/%s", req.Identity.ProjectID, req.ID),
			SubPath:   fmt.Sprintf("log/%s/%s", req.Identity.ProjectID, req.ID),
		},
	}
	if req.Output != nil {
		mounts = append(mounts, v1.VolumeMount{
			Name:      dataVolume,
			MountPath: "/output",
			SubPath:   "snapshots/" + req.Output.Path,
			ReadOnly:  ro,
		})
	}
	if req.Input != nil {
		mounts = append(mounts, v1.VolumeMount{
			Name:      dataVolume,
			MountPath: "/input",
			SubPath:   "snapshots/" + req.Input.Path,
			// Inputs are never written, regardless of quota state.
			ReadOnly: true,
		})
	}
	return mounts
}

// workMounts are the ephemeral mounts every container shares.
func (b *Builder) workMounts() []v1.VolumeMount {
	return []v1.VolumeMount{
		{Name: codeVolume, MountPath: b.cfg.Paths.CodeDir},
		{Name: tmpVolume, MountPath: "/tmp"},
	}
}
