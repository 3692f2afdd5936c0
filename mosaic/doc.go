/*
Package mosaic holds the core types shared by the tile-pyramid engine: the
logging facade, error kinds, pyramid geometry, pixel buffers and their image
encodings, and the block codecs used inside packed raster archives.

Packages built on it:

	raster     opens source rasters (PDS3, TIFF, BMP, JPEG, PNG, GIF, WebP)
	archive    converts rasters to packed archives, reads and validates them
	pyramid    builds legacy directory-of-tiles pyramids
	datastore  dataset registries
	server     tile resolver and HTTP API
*/
package mosaic
