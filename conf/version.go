// Copyright 2024 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.
package conf

var (
	// Commit is the commit the current build was built from.
	Commit string

	// Tag is the tag name, set only for tagged builds.
	Tag string

	// Branch is the branch name the build came from.
	Branch string

	// BuildNumber is the CI build number.
	BuildNumber string
)

// VersionString reports a build's version, falling back through tag,
// branch+commit, to "unknown" if none of the build-time variables were set.
func VersionString() string {
	switch {
	case Tag != "":
		return Tag
	case Commit != "" && Branch != "":
		return Branch + "_" + Commit
	}
	return "unknown"
}
