// Package preflight provides readiness checks for the filesystem paths and
// the pipeline executable that conewatch depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll at startup and logs every failed check; a
//     failure never prevents startup because the pipeline may be built later.
//   - The status endpoint and the CLI "conewatch status" command report the
//     same results so operators can see why invocations fail.
package preflight
