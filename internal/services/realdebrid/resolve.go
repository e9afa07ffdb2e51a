// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package realdebrid

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	resolvePollInterval = 2 * time.Second
	resolvePollTimeout  = 180 * time.Second
)

// Statuses after which a torrent will never produce links.
var terminalTorrentStatuses = map[string]bool{
	"error":        true,
	"magnet_error": true,
	"virus":        true,
	"dead":         true,
}

type addTorrentResponse struct {
	ID  string `json:"id"`
	URI string `json:"uri"`
}

// ResolveMagnet adds a magnet to the account, selects all files, waits for
// RealDebrid to produce hoster links, and unrestricts each into a direct
// download URL.
func (c *Client) ResolveMagnet(ctx context.Context, magnet string) ([]UnrestrictedLink, error) {
	form := url.Values{}
	form.Set("magnet", magnet)

	var added addTorrentResponse
	if err := c.apiPostForm(ctx, "/torrents/addMagnet", form, &added); err != nil {
		return nil, errors.Wrap(err, "failed to add magnet")
	}
	return c.resolveAdded(ctx, added.ID)
}

// ResolveTorrent uploads raw .torrent bytes and resolves them like a
// magnet. The infohash is parsed locally for logging and cache checks.
func (c *Client) ResolveTorrent(ctx context.Context, torrentData []byte) ([]UnrestrictedLink, error) {
	if mi, err := metainfo.Load(bytes.NewReader(torrentData)); err == nil {
		log.Debug().
			Str("infohash", mi.HashInfoBytes().HexString()).
			Msg("Resolving torrent file via RealDebrid")
	}

	var added addTorrentResponse
	if err := c.apiPutBody(ctx, "/torrents/addTorrent", torrentData, &added); err != nil {
		return nil, errors.Wrap(err, "failed to upload torrent")
	}
	return c.resolveAdded(ctx, added.ID)
}

func (c *Client) resolveAdded(ctx context.Context, torrentID string) ([]UnrestrictedLink, error) {
	if torrentID == "" {
		return nil, errors.New("realdebrid did not return a torrent id")
	}

	form := url.Values{}
	form.Set("files", "all")
	if err := c.apiPostForm(ctx, "/torrents/selectFiles/"+torrentID, form, nil); err != nil {
		return nil, errors.Wrap(err, "failed to select files")
	}

	torrent, err := c.waitForLinks(ctx, torrentID)
	if err != nil {
		return nil, err
	}

	links := make([]UnrestrictedLink, 0, len(torrent.Links))
	for _, hosterLink := range torrent.Links {
		unrestricted, err := c.Unrestrict(ctx, hosterLink)
		if err != nil {
			log.Warn().Err(err).Str("link", hosterLink).Msg("Failed to unrestrict hoster link")
			continue
		}
		links = append(links, unrestricted)
	}
	if len(links) == 0 {
		return nil, errors.Errorf("no links could be unrestricted for torrent %s", torrentID)
	}
	return links, nil
}

// waitForLinks polls torrent info until hoster links appear or the torrent
// reaches a terminal status.
func (c *Client) waitForLinks(ctx context.Context, torrentID string) (Torrent, error) {
	deadline := time.Now().Add(resolvePollTimeout)

	for {
		var torrent Torrent
		if err := c.apiGet(ctx, "/torrents/info/"+torrentID, nil, &torrent); err != nil {
			return Torrent{}, errors.Wrap(err, "failed to poll torrent info")
		}

		if len(torrent.Links) > 0 && allLinksReady(torrent) {
			return torrent, nil
		}
		if terminalTorrentStatuses[torrent.Status] {
			return Torrent{}, errors.Errorf("torrent %s failed with status %q", torrentID, torrent.Status)
		}
		if time.Now().After(deadline) {
			return Torrent{}, errors.Errorf("torrent %s not ready after %s (status %q)", torrentID, resolvePollTimeout, torrent.Status)
		}

		select {
		case <-ctx.Done():
			return Torrent{}, ctx.Err()
		case <-time.After(resolvePollInterval):
		}
	}
}

// allLinksReady guards against the short window where links are listed but
// the torrent is still converting.
func allLinksReady(torrent Torrent) bool {
	switch torrent.Status {
	case "downloaded", "uploading":
		return true
	default:
		// Some cached torrents report links before flipping to downloaded.
		return strings.HasPrefix(torrent.Status, "downloaded")
	}
}
