/*
Package packages implements the publish and fetch logic of an npm compatible
registry.

A package is described by one metadata document, stored in a Repository, and
each version's tarball is stored as a blob in a store.Store. The Registry ties
the two together. A publish verifies every attachment against the shasum
declared by its version before anything is written. Blobs are written before
the metadata document which references them, so a reader who has a document
can always fetch the tarballs it names. The only state a failed publish may
leave behind is a blob which no document references.

Blob keys are derived from the package name and the tarball file name:

	TarballKey("express", "express-4.0.0.tgz") == "express%2F-%2Fexpress-4.0.0.tgz"

The keys never contain a slash, so they are usable with every store.
*/
package packages
