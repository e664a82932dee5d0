/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 AdviseWell

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

/*
Package jobs builds and looks up the worker Jobs that actually attend
meetings. The label selector over these Jobs is the cluster-wide answer
to "is a bot already covering this meeting?", so construction and lookup
share one label schema from the dedup package.
*/
package jobs

import (
	"context"
	"fmt"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/AdviseWell/meeting-bot-controller/internal/config"
	"github.com/AdviseWell/meeting-bot-controller/internal/dedup"
)

const (
	jobNamePrefix = "meeting-bot-"
	// Job names embed a session id prefix; 20 hex chars keeps the name
	// under the 63-character object name limit with room for suffixes.
	jobNameHashLen = 20

	// A meeting bot gets one attempt per Job; retries are new sessions.
	backoffLimit = int32(0)
	// Bots must never outlive the longest plausible meeting (11 hours).
	activeDeadlineSeconds = int64(39600)
	// Finished Jobs stay around for an hour for debugging, then the TTL
	// controller reaps them.
	ttlSecondsAfterFinished = int32(3600)

	scratchVolumeName = "scratch"
	scratchMountPath  = "/scratch"
)

// JobName derives the deterministic worker Job name for a session. The
// same session always maps to the same name, which turns Job creation
// into a second dedup barrier: a duplicate launch fails with
// AlreadyExists instead of producing a second bot.
func JobName(sessionID string) string {
	if len(sessionID) > jobNameHashLen {
		sessionID = sessionID[:jobNameHashLen]
	}
	return jobNamePrefix + sessionID
}

// ScratchPVCName returns the name of a Job's scratch volume claim.
func ScratchPVCName(jobName string) string {
	return jobName + "-scratch"
}

// LaunchSpec carries everything BuildJob needs to render a worker Job.
type LaunchSpec struct {
	SessionID     string
	OrgID         string
	NormalizedURL string

	// Canonical subscriber; the worker uploads into this user's prefix.
	UserID         string
	MeetingID      string
	ArtifactPrefix string

	BotDisplayName string
}

// BuildJob renders the worker Job for a launch. The dedup labels go on
// both the Job and its pod template so either object satisfies a
// presence lookup.
func BuildJob(spec LaunchSpec, cfg config.Config) *batchv1.Job {
	name := JobName(spec.SessionID)
	labels := dedup.JobLabels(spec.OrgID, spec.NormalizedURL)

	// MEETING_ID carries the session id: the worker treats the session as
	// its unit of work. FS_MEETING_ID names the canonical meeting document.
	env := []corev1.EnvVar{
		{Name: "MEETING_URL", Value: spec.NormalizedURL},
		{Name: "MEETING_ID", Value: spec.SessionID},
		{Name: "ORG_ID", Value: spec.OrgID},
		{Name: "USER_ID", Value: spec.UserID},
		{Name: "FS_MEETING_ID", Value: spec.MeetingID},
		{Name: "GCS_PATH", Value: spec.ArtifactPrefix},
		{Name: "GCS_BUCKET", Value: cfg.Bucket},
		{Name: "MEETING_SESSION_ID", Value: spec.SessionID},
		{Name: "BOT_DISPLAY_NAME", Value: spec.BotDisplayName},
		{Name: "GCP_PROJECT_ID", Value: cfg.ProjectID},
		{Name: "FIRESTORE_DATABASE", Value: cfg.FirestoreDatabase},
	}

	scratchMount := corev1.VolumeMount{Name: scratchVolumeName, MountPath: scratchMountPath}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptr.To(backoffLimit),
			ActiveDeadlineSeconds:   ptr.To(activeDeadlineSeconds),
			TTLSecondsAfterFinished: ptr.To(ttlSecondsAfterFinished),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: cfg.JobServiceAccount,
					Volumes: []corev1.Volume{
						{
							Name: scratchVolumeName,
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
									ClaimName: ScratchPVCName(name),
								},
							},
						},
					},
					Containers: []corev1.Container{
						{
							Name:  "manager",
							Image: cfg.ManagerImage,
							Env:   env,
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("100m"),
									corev1.ResourceMemory: resource.MustParse("128Mi"),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("500m"),
									corev1.ResourceMemory: resource.MustParse("512Mi"),
								},
							},
							VolumeMounts: []corev1.VolumeMount{scratchMount},
						},
						{
							Name:  "bot",
							Image: cfg.MeetingBotImage,
							Env:   env,
							// The bot drives a headless browser; starve it
							// and recordings stutter.
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("500m"),
									corev1.ResourceMemory: resource.MustParse("1Gi"),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("2"),
									corev1.ResourceMemory: resource.MustParse("4Gi"),
								},
							},
							VolumeMounts: []corev1.VolumeMount{scratchMount},
						},
					},
				},
			},
		},
	}
	return job
}

// BuildScratchPVC renders the per-Job scratch volume claim. Ownership is
// patched onto it after the Job exists so the claim is reaped with the
// Job.
func BuildScratchPVC(jobName string, cfg config.Config) *corev1.PersistentVolumeClaim {
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ScratchPVCName(jobName),
			Namespace: cfg.Namespace,
			Labels:    map[string]string{dedup.AppLabel: dedup.AppLabelValue},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					// Validated at startup; see config.Validate.
					corev1.ResourceStorage: resource.MustParse(cfg.ScratchVolumeSize),
				},
			},
		},
	}
}

// OwnJob points an object's owner reference at a Job so the object is
// garbage collected with it.
func OwnJob(obj metav1.Object, job *batchv1.Job) {
	obj.SetOwnerReferences([]metav1.OwnerReference{
		{
			APIVersion: "batch/v1",
			Kind:       "Job",
			Name:       job.Name,
			UID:        job.UID,
			Controller: ptr.To(true),
		},
	})
}

// FindActive returns a non-terminal Job matching the label set, or nil
// when no live bot covers the identity. Terminal Jobs awaiting TTL
// cleanup do not count as presence.
func FindActive(ctx context.Context, c client.Client, namespace string, labels map[string]string) (*batchv1.Job, error) {
	var list batchv1.JobList
	if err := c.List(ctx, &list, client.InNamespace(namespace), client.MatchingLabels(labels)); err != nil {
		return nil, fmt.Errorf("list jobs by labels %v: %w", labels, err)
	}
	for i := range list.Items {
		if !IsTerminal(&list.Items[i]) {
			return &list.Items[i], nil
		}
	}
	return nil, nil
}

// IsTerminal reports whether a Job has reached Complete or Failed.
func IsTerminal(job *batchv1.Job) bool {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		if cond.Type == batchv1.JobComplete || cond.Type == batchv1.JobFailed {
			return true
		}
	}
	return false
}
