/*
Copyright 2022 The GAS Authors.

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

// Package identity resolves who a request or a job belongs to. It carries
// the account profile lookup the workers consume and the browser session
// reader the web layer consumes; the identity provider integration itself
// lives outside this system.
package identity

import (
	"github.com/pkg/errors"
)

// Account roles. Free accounts have their results archived to cold storage
// after the retention window; premium accounts keep theirs hot.
const (
	RoleFree    = "free_user"
	RolePremium = "premium_user"
)

// ErrNotFound means the accounts table has no profile for the user.
var ErrNotFound = errors.New("profile not found")

// Profile is one account record.
type Profile struct {
	UserID string `json:"user_id" dynamodbav:"user_id"`
	Name   string `json:"name,omitempty" dynamodbav:"name,omitempty"`
	Email  string `json:"email" dynamodbav:"email"`
	Role   string `json:"role" dynamodbav:"role"`
}

// Premium reports whether the account keeps results in hot storage.
func (p *Profile) Premium() bool {
	return p.Role == RolePremium
}
