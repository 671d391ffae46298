package fetcher

import (
	"github.com/go-rod/rod"
	"github.com/go-rod/stealth"
)

// stealthScript papers over the headless-Chrome tells that survive the
// go-rod/stealth evasions. Everything here must stay consistent with the
// Windows desktop user agent the fetcher presents.
const stealthScript = `
(function() {
    'use strict';

    // navigator.webdriver must read as undefined
    Object.defineProperty(navigator, 'webdriver', {
        get: () => undefined,
        configurable: true
    });
    try {
        delete Object.getPrototypeOf(navigator).webdriver;
    } catch (e) {}

    // Headless Chrome ships an empty plugins array
    const mockPlugins = [
        {
            name: 'Chrome PDF Plugin',
            description: 'Portable Document Format',
            filename: 'internal-pdf-viewer',
            length: 1
        },
        {
            name: 'Chrome PDF Viewer',
            description: '',
            filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai',
            length: 1
        },
        {
            name: 'Native Client',
            description: '',
            filename: 'internal-nacl-plugin',
            length: 2
        }
    ];

    try {
        const pluginArray = Object.create(PluginArray.prototype);
        mockPlugins.forEach((p, i) => {
            const plugin = Object.create(Plugin.prototype);
            Object.defineProperties(plugin, {
                name: { value: p.name, enumerable: true },
                description: { value: p.description, enumerable: true },
                filename: { value: p.filename, enumerable: true },
                length: { value: p.length, enumerable: true }
            });
            pluginArray[i] = plugin;
            pluginArray[p.name] = plugin;
        });
        Object.defineProperty(pluginArray, 'length', { value: mockPlugins.length });
        Object.defineProperty(pluginArray, 'item', { value: (i) => pluginArray[i] || null });
        Object.defineProperty(pluginArray, 'namedItem', { value: (n) => pluginArray[n] || null });
        Object.defineProperty(pluginArray, 'refresh', { value: () => {} });

        Object.defineProperty(navigator, 'plugins', {
            get: () => pluginArray,
            configurable: true
        });
    } catch (e) {}

    try {
        const mockMimeTypes = [
            { type: 'application/pdf', description: 'Portable Document Format', suffixes: 'pdf' },
            { type: 'text/pdf', description: 'Portable Document Format', suffixes: 'pdf' }
        ];

        const mimeTypeArray = Object.create(MimeTypeArray.prototype);
        mockMimeTypes.forEach((m, i) => {
            const mimeType = Object.create(MimeType.prototype);
            Object.defineProperties(mimeType, {
                type: { value: m.type, enumerable: true },
                description: { value: m.description, enumerable: true },
                suffixes: { value: m.suffixes, enumerable: true },
                enabledPlugin: { value: navigator.plugins[0], enumerable: true }
            });
            mimeTypeArray[i] = mimeType;
            mimeTypeArray[m.type] = mimeType;
        });
        Object.defineProperty(mimeTypeArray, 'length', { value: mockMimeTypes.length });
        Object.defineProperty(mimeTypeArray, 'item', { value: (i) => mimeTypeArray[i] || null });
        Object.defineProperty(mimeTypeArray, 'namedItem', { value: (n) => mimeTypeArray[n] || null });

        Object.defineProperty(navigator, 'mimeTypes', {
            get: () => mimeTypeArray,
            configurable: true
        });
    } catch (e) {}

    // Keep languages, platform and vendor in line with the Windows UA
    Object.defineProperty(navigator, 'languages', {
        get: () => Object.freeze(['en-US', 'en']),
        configurable: true
    });
    Object.defineProperty(navigator, 'platform', {
        get: () => 'Win32',
        configurable: true
    });
    Object.defineProperty(navigator, 'vendor', {
        get: () => 'Google Inc.',
        configurable: true
    });

    // window.chrome is missing in some headless contexts
    if (!window.chrome) {
        Object.defineProperty(window, 'chrome', {
            value: {},
            writable: true,
            enumerable: true,
            configurable: false
        });
    }

    if (!window.chrome.runtime) {
        window.chrome.runtime = {
            OnInstalledReason: {
                CHROME_UPDATE: 'chrome_update',
                INSTALL: 'install',
                SHARED_MODULE_UPDATE: 'shared_module_update',
                UPDATE: 'update'
            },
            OnRestartRequiredReason: {
                APP_UPDATE: 'app_update',
                OS_UPDATE: 'os_update',
                PERIODIC: 'periodic'
            },
            PlatformArch: {
                ARM: 'arm',
                ARM64: 'arm64',
                MIPS: 'mips',
                MIPS64: 'mips64',
                X86_32: 'x86-32',
                X86_64: 'x86-64'
            },
            PlatformNaclArch: {
                ARM: 'arm',
                MIPS: 'mips',
                MIPS64: 'mips64',
                X86_32: 'x86-32',
                X86_64: 'x86-64'
            },
            PlatformOs: {
                ANDROID: 'android',
                CROS: 'cros',
                LINUX: 'linux',
                MAC: 'mac',
                OPENBSD: 'openbsd',
                WIN: 'win'
            },
            RequestUpdateCheckStatus: {
                NO_UPDATE: 'no_update',
                THROTTLED: 'throttled',
                UPDATE_AVAILABLE: 'update_available'
            },
            get id() { return undefined; },
            connect: function() {},
            sendMessage: function() {}
        };
    }

    if (!window.chrome.csi) {
        window.chrome.csi = function() {
            return {
                onloadT: Date.now(),
                startE: Date.now(),
                pageT: Math.random() * 1000,
                tran: 15
            };
        };
    }

    if (!window.chrome.loadTimes) {
        window.chrome.loadTimes = function() {
            return {
                requestTime: Date.now() / 1000,
                startLoadTime: Date.now() / 1000,
                commitLoadTime: Date.now() / 1000 + Math.random(),
                finishDocumentLoadTime: Date.now() / 1000 + Math.random(),
                finishLoadTime: Date.now() / 1000 + Math.random(),
                firstPaintTime: Date.now() / 1000 + Math.random(),
                firstPaintAfterLoadTime: 0,
                navigationType: 'Navigate',
                wasFetchedViaSpdy: false,
                wasNpnNegotiated: true,
                npnNegotiatedProtocol: 'h2',
                wasAlternateProtocolAvailable: false,
                connectionInfo: 'h2'
            };
        };
    }

    // Notification permission probes reveal the headless default
    try {
        const originalQuery = Permissions.prototype.query;
        Permissions.prototype.query = function(parameters) {
            if (parameters.name === 'notifications') {
                return Promise.resolve({ state: Notification.permission });
            }
            return originalQuery.call(this, parameters);
        };
    } catch (e) {}

    // WebGL vendor and renderer strings for a plausible Windows GPU
    const getParameterProxyHandler = {
        apply: function(target, ctx, args) {
            const param = args[0];
            const result = Reflect.apply(target, ctx, args);
            // UNMASKED_VENDOR_WEBGL
            if (param === 37445) {
                return 'Google Inc. (Intel)';
            }
            // UNMASKED_RENDERER_WEBGL
            if (param === 37446) {
                return 'ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0, D3D11)';
            }
            return result;
        }
    };

    try {
        const webglGetParameter = WebGLRenderingContext.prototype.getParameter;
        WebGLRenderingContext.prototype.getParameter = new Proxy(webglGetParameter, getParameterProxyHandler);
    } catch (e) {}

    try {
        const webgl2GetParameter = WebGL2RenderingContext.prototype.getParameter;
        WebGL2RenderingContext.prototype.getParameter = new Proxy(webgl2GetParameter, getParameterProxyHandler);
    } catch (e) {}

    try {
        Object.defineProperty(HTMLIFrameElement.prototype, 'contentWindow', {
            get: function() {
                return this.contentDocument?.defaultView || null;
            }
        });
    } catch (e) {}

    // Patched functions must still claim to be native
    try {
        const nativeToStringFunc = Function.prototype.toString;
        const customToString = function() {
            if (this === Permissions.prototype.query) {
                return 'function query() { [native code] }';
            }
            return nativeToStringFunc.call(this);
        };
        Function.prototype.toString = customToString;
    } catch (e) {}

    if (navigator.hardwareConcurrency === 0 || navigator.hardwareConcurrency === undefined) {
        Object.defineProperty(navigator, 'hardwareConcurrency', {
            get: () => 4,
            configurable: true
        });
    }

    if (navigator.deviceMemory === undefined || navigator.deviceMemory === 0) {
        Object.defineProperty(navigator, 'deviceMemory', {
            get: () => 8,
            configurable: true
        });
    }

    if (!navigator.connection) {
        Object.defineProperty(navigator, 'connection', {
            get: () => ({
                effectiveType: '4g',
                rtt: 100,
                downlink: 10,
                saveData: false
            }),
            configurable: true
        });
    }

    if (!navigator.getBattery) {
        navigator.getBattery = function() {
            return Promise.resolve({
                charging: true,
                chargingTime: 0,
                dischargingTime: Infinity,
                level: 1.0,
                addEventListener: function() {},
                removeEventListener: function() {}
            });
        };
    }

    // Headless reports no cameras or microphones
    try {
        if (navigator.mediaDevices && navigator.mediaDevices.enumerateDevices) {
            const realEnumerate = navigator.mediaDevices.enumerateDevices.bind(navigator.mediaDevices);
            navigator.mediaDevices.enumerateDevices = function() {
                return realEnumerate().then((devices) => {
                    if (devices.length > 0) {
                        return devices;
                    }
                    return [
                        { deviceId: '', kind: 'audioinput', label: '', groupId: 'default' },
                        { deviceId: '', kind: 'videoinput', label: '', groupId: 'default' },
                        { deviceId: '', kind: 'audiooutput', label: '', groupId: 'default' }
                    ];
                });
            };
        }
    } catch (e) {}

    // Screen geometry matching the 1920x1080 window, with a taskbar
    try {
        const screenProps = {
            width: 1920,
            height: 1080,
            availWidth: 1920,
            availHeight: 1040,
            colorDepth: 24,
            pixelDepth: 24
        };
        for (const [prop, value] of Object.entries(screenProps)) {
            Object.defineProperty(window.screen, prop, {
                get: () => value,
                configurable: true
            });
        }
    } catch (e) {}
})();
`

// newStealthPage opens a page with go-rod/stealth evasions plus the local
// script above layered on top.
func newStealthPage(browser *rod.Browser) (*rod.Page, error) {
	page, err := stealth.Page(browser)
	if err != nil {
		return nil, err
	}

	if _, err := page.EvalOnNewDocument(stealthScript); err != nil {
		page.Close()
		return nil, err
	}

	return page, nil
}
