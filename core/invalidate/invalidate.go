// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package invalidate defines the payload carried by a notification to tell
// the client which of its caches are stale. Invalidations are coarse: they
// name an asset and the collections to refetch, never the new values. The
// JSON form is stored on the notification row and echoed verbatim to
// clients, so field names here are wire format.
package invalidate

import (
	"sort"
)

// Viewpoint marks per-viewpoint collections for refetch.
type Viewpoint struct {
	ViewpointID   string `json:"viewpoint_id"`
	GetAttributes bool   `json:"get_attributes,omitempty"`
	GetFollowers  bool   `json:"get_followers,omitempty"`
	GetActivities bool   `json:"get_activities,omitempty"`
	GetEpisodes   bool   `json:"get_episodes,omitempty"`
	GetComments   bool   `json:"get_comments,omitempty"`
}

// Episode marks an episode's attributes and posts for refetch.
type Episode struct {
	EpisodeID     string `json:"episode_id"`
	GetAttributes bool   `json:"get_attributes,omitempty"`
	GetPhotos     bool   `json:"get_photos,omitempty"`
}

// Contacts marks the contact list for refetch from a paging key onward.
type Contacts struct {
	StartKey string `json:"start_key"`
}

// Invalidate is the full payload. A zero Invalidate means "nothing to
// refetch" and is not written to the notification row.
type Invalidate struct {
	Viewpoints []Viewpoint `json:"viewpoints,omitempty"`
	Users      []int64     `json:"users,omitempty"`
	Episodes   []Episode   `json:"episodes,omitempty"`
	Contacts   *Contacts   `json:"contacts,omitempty"`
}

// IsZero reports whether the payload carries no invalidations.
func (inv *Invalidate) IsZero() bool {
	return len(inv.Viewpoints) == 0 && len(inv.Users) == 0 &&
		len(inv.Episodes) == 0 && inv.Contacts == nil
}

// AddViewpoint merges v into the payload, combining refetch flags when the
// viewpoint is already present. Insertion order is preserved so repeated
// executions of the same operation build identical payloads.
func (inv *Invalidate) AddViewpoint(v Viewpoint) {
	for i := range inv.Viewpoints {
		if inv.Viewpoints[i].ViewpointID == v.ViewpointID {
			inv.Viewpoints[i].GetAttributes = inv.Viewpoints[i].GetAttributes || v.GetAttributes
			inv.Viewpoints[i].GetFollowers = inv.Viewpoints[i].GetFollowers || v.GetFollowers
			inv.Viewpoints[i].GetActivities = inv.Viewpoints[i].GetActivities || v.GetActivities
			inv.Viewpoints[i].GetEpisodes = inv.Viewpoints[i].GetEpisodes || v.GetEpisodes
			inv.Viewpoints[i].GetComments = inv.Viewpoints[i].GetComments || v.GetComments
			return
		}
	}
	inv.Viewpoints = append(inv.Viewpoints, v)
}

// AddEpisode merges e into the payload, combining refetch flags when the
// episode is already present.
func (inv *Invalidate) AddEpisode(e Episode) {
	for i := range inv.Episodes {
		if inv.Episodes[i].EpisodeID == e.EpisodeID {
			inv.Episodes[i].GetAttributes = inv.Episodes[i].GetAttributes || e.GetAttributes
			inv.Episodes[i].GetPhotos = inv.Episodes[i].GetPhotos || e.GetPhotos
			return
		}
	}
	inv.Episodes = append(inv.Episodes, e)
}

// AddUsers records user profiles to refetch, deduplicated and sorted.
func (inv *Invalidate) AddUsers(userIDs ...int64) {
	for _, id := range userIDs {
		if !containsInt64(inv.Users, id) {
			inv.Users = append(inv.Users, id)
		}
	}
	sort.Slice(inv.Users, func(i, j int) bool { return inv.Users[i] < inv.Users[j] })
}

// SetContacts records that the contact list changed at startKey.
func (inv *Invalidate) SetContacts(startKey string) {
	if inv.Contacts == nil || inv.Contacts.StartKey > startKey {
		inv.Contacts = &Contacts{StartKey: startKey}
	}
}

// Merge folds other into inv.
func (inv *Invalidate) Merge(other *Invalidate) {
	for _, v := range other.Viewpoints {
		inv.AddViewpoint(v)
	}
	for _, e := range other.Episodes {
		inv.AddEpisode(e)
	}
	inv.AddUsers(other.Users...)
	if other.Contacts != nil {
		inv.SetContacts(other.Contacts.StartKey)
	}
}

func containsInt64(s []int64, v int64) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
