/*
Package server resolves tile requests against the datasets of a registry and
exposes them through an HTTP API.

Tiles of packed archives are addressed finest-first: level 0 is full
resolution and level k a 2^k reduction.  Tiles of legacy pyramids are addressed
by directory level, where level 0 is the single-tile directory.  The Deep Zoom
routes address both with Deep Zoom levels.

	GET /api/help
	GET /api/datasets
	GET /api/datasets/{id}
	GET /api/datasets/{id}/metadata
	GET /api/datasets/{id}/validate
	GET /api/datasets/{id}/thumbnail
	POST /api/datasets/{id}/invalidate
	GET /api/tiles/{id}/{level}/{col}_{row}.{jpg|png|webp}
	GET /api/tiles/{id}/info.dzi
	GET /api/tiles/{id}/info_files/{level}/{col}_{row}.{jpg|png|webp}
*/
package server
