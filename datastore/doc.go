/*
Package datastore describes the datasets served by mosaic and the registries that
hold them.  A Dataset names exactly one backing store: a packed raster archive, a
legacy directory pyramid, or none while it is being prepared.  Registries are
read-only from the server's point of view; the catalog is maintained by whoever
ingests data.
*/
package datastore
